package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/liamcoop/api4cep/dispatch"
	"github.com/liamcoop/api4cep/lock"
)

// relayLockKey serializes relays across replicas when a shared locker is used.
const relayLockKey = "outbox-relay"

// Publisher sends one message. *dispatch.Dispatcher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg dispatch.Message) error
}

// Config tunes delivery.
type Config struct {
	PollInterval    time.Duration // how often to look for pending rows
	BatchSize       int           // rows read per poll
	InitialInterval time.Duration // first retry delay for a failing row
	MaxElapsed      time.Duration // give up on a row for this poll after this long
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Second,
		BatchSize:       100,
		InitialInterval: 200 * time.Millisecond,
		MaxElapsed:      30 * time.Second,
	}
}

// Relay publishes pending outbox rows in insertion order. It stops a batch at
// the first row it cannot deliver so later rows never overtake it.
type Relay struct {
	store     Store
	publisher Publisher
	locker    lock.Locker
	cfg       Config
	logger    *slog.Logger
}

// NewRelay creates a relay. locker may be nil when a single replica runs the relay.
func NewRelay(store Store, publisher Publisher, locker lock.Locker, cfg Config, logger *slog.Logger) *Relay {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		locker:    locker,
		cfg:       cfg,
		logger:    logger.With("component", "outbox-relay"),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "poll_interval", r.cfg.PollInterval.String())

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.DeliverPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("outbox delivery incomplete", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DeliverPending publishes one batch and returns how many rows were delivered.
// With a shared locker the batch runs under the relay lock and stops before the
// next row once that lock is lost, so two replicas never publish concurrently.
func (r *Relay) DeliverPending(ctx context.Context) (int, error) {
	held := ctx
	if r.locker != nil {
		lockCtx, unlock, err := lock.Acquire(ctx, r.locker, relayLockKey)
		if err != nil {
			return 0, fmt.Errorf("acquire relay lock: %w", err)
		}
		defer unlock()
		held = lockCtx
	}

	entries, err := r.store.Pending(held, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, e := range entries {
		if held.Err() != nil {
			return delivered, fmt.Errorf("outbox batch stopped: %w", context.Cause(held))
		}
		if err := r.deliver(held, e); err != nil {
			if held.Err() != nil {
				return delivered, fmt.Errorf("outbox batch stopped: %w", context.Cause(held))
			}
			if markErr := r.store.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
				r.logger.Error("failed to record outbox failure", "id", e.ID, "error", markErr)
			}
			return delivered, fmt.Errorf("outbox entry %d (%s for definition %s): %w",
				e.ID, e.Queue, e.DefinitionID, err)
		}
		if err := r.store.MarkDelivered(ctx, e.ID); err != nil {
			// The message went out; it will be sent again next poll.
			return delivered, err
		}
		delivered++
	}

	if delivered > 0 {
		r.logger.Debug("outbox batch delivered", "count", delivered)
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, e Entry) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxElapsedTime = r.cfg.MaxElapsed

	return backoff.RetryNotify(
		func() error { return r.publisher.Publish(ctx, e.Message()) },
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			r.logger.Debug("retrying outbox entry", "id", e.ID, "queue", e.Queue,
				"wait", wait.String(), "error", err)
		},
	)
}
