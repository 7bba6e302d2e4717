package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/liamcoop/api4cep/definitions"
	"github.com/liamcoop/api4cep/dispatch"
	"github.com/liamcoop/api4cep/internal/config"
	"github.com/liamcoop/api4cep/internal/logger"
	"github.com/liamcoop/api4cep/lock"
	"github.com/liamcoop/api4cep/migrations"
	"github.com/liamcoop/api4cep/outbox"
	"github.com/liamcoop/api4cep/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, shutdownLogs, err := logger.New(ctx, logger.Options{
		Level:       cfg.LogLevel,
		OTEL:        cfg.OTELEnabled,
		ServiceName: cfg.OTELServiceName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, log); err != nil {
		logger.Fatal(log, shutdownLogs, "server failed", "error", err)
	}
	_ = shutdownLogs(context.Background())
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var db *sql.DB
	stores := registry.MemoryStores()
	if cfg.Store == config.StorePostgres {
		var err error
		db, err = openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		stores = registry.PostgresStores(db)
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(publisher,
		dispatch.WithTimeout(cfg.Broker.Timeout),
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
		dispatch.WithLogger(log),
	)

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Lock.RedisURL != "" {
		redisLocker, err := lock.NewRedisLockerFromURL(cfg.Lock.RedisURL, "api4cep:lock:", cfg.Lock.TTL, log)
		if err != nil {
			return err
		}
		defer redisLocker.Close()
		locker = redisLocker
		log.Info("using redis locks")
	}

	managerOpts := []registry.Option{
		registry.WithServiceOptions(
			definitions.WithLogger(log),
			definitions.WithLocker(locker),
			definitions.WithMetrics(definitions.NewMetrics(reg)),
		),
	}
	if cfg.Outbox.Enabled {
		managerOpts = append(managerOpts, registry.WithOutbox())
	}

	manager := registry.NewManager(stores, dispatcher, managerOpts...)
	if err := manager.LoadAllKinds(); err != nil {
		return err
	}
	log.Info("definition kinds loaded", "kinds", manager.Kinds())

	if cfg.Outbox.Enabled {
		relay := outbox.NewRelay(outbox.NewPostgresStore(db), dispatcher, locker, outbox.Config{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxElapsed:   cfg.Outbox.MaxElapsed,
		}, log)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("outbox relay exited", "error", err)
			}
		}()
	}

	server := NewServer(manager, db, reg, log)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port, "store", cfg.Store, "broker", cfg.Broker.Kind)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	log.Info("server stopped")
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := migrations.Up(cfg.DatabaseURL); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func newPublisher(cfg *config.Config) (dispatch.Publisher, error) {
	switch cfg.Broker.Kind {
	case config.BrokerAMQP:
		return dispatch.NewAMQPPublisher(cfg.Broker.URL, cfg.Broker.Timeout), nil
	case config.BrokerNATS:
		return dispatch.NewNATSPublisher(cfg.Broker.URL, cfg.Broker.Timeout), nil
	case config.BrokerMemory:
		return dispatch.NewRecorder(), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
