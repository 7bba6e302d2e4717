package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/liamcoop/api4cep/definitions"
	"github.com/liamcoop/api4cep/registry"
)

// PrincipalHeader carries the authenticated user set by the gateway in front of the API.
const PrincipalHeader = "X-Authenticated-User"

type Server struct {
	db       *sql.DB // nil with the in-memory store
	manager  *registry.Manager
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	router   *chi.Mux
}

func NewServer(manager *registry.Manager, db *sql.DB, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	s := &Server{
		db:       db,
		manager:  manager,
		gatherer: gatherer,
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(principal)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		for _, kind := range s.manager.Kinds() {
			r.Route("/"+string(kind)+"s", s.definitionRoutes(kind))
		}
	})

	s.router = r
}

func (s *Server) definitionRoutes(kind definitions.Kind) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", s.withService(kind, s.handleList))
		r.Post("/", s.withService(kind, s.handleCreate))
		r.Get("/name", s.withService(kind, s.handleFindByName))

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.withService(kind, s.handleGet))
			r.Put("/", s.withService(kind, s.handleUpdate))
			r.Delete("/", s.withService(kind, s.handleDelete))

			r.Put("/ready", s.withService(kind, s.lifecycle((*definitions.Service).Stage)))
			r.Put("/unready", s.withService(kind, s.lifecycle((*definitions.Service).Unstage)))
			r.Put("/deploy", s.withService(kind, s.lifecycle((*definitions.Service).Deploy)))
			r.Put("/undeploy", s.withService(kind, s.lifecycle((*definitions.Service).Undeploy)))
		})
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// principal attaches the caller named by PrincipalHeader to the request context.
func principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get(PrincipalHeader); user != "" {
			r = r.WithContext(definitions.WithPrincipal(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type serviceHandler func(w http.ResponseWriter, r *http.Request, svc *definitions.Service)

func (s *Server) withService(kind definitions.Kind, h serviceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, err := s.manager.Service(kind)
		if err != nil {
			respondError(w, http.StatusNotFound, "unknown definition kind", err)
			return
		}
		h(w, r, svc)
	}
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	kinds := lo.Map(s.manager.Kinds(), func(k definitions.Kind, _ int) string { return string(k) })

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Kinds: kinds})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, svc *definitions.Service) {
	defs, err := svc.List(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		respondServiceError(w, "failed to list definitions", err)
		return
	}
	respondJSON(w, http.StatusOK, toListResponse(defs))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, svc *definitions.Service) {
	var req DefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	def, err := svc.Create(r.Context(), req.edit())
	if err != nil {
		respondServiceError(w, "failed to create definition", err)
		return
	}
	respondJSON(w, http.StatusCreated, toResponse(def))
}

func (s *Server) handleFindByName(w http.ResponseWriter, r *http.Request, svc *definitions.Service) {
	name := r.URL.Query().Get("name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "name query parameter is required", nil)
		return
	}

	defs, err := svc.FindByName(r.Context(), name)
	if err != nil {
		respondServiceError(w, "failed to find definitions", err)
		return
	}
	respondJSON(w, http.StatusOK, toListResponse(defs))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, svc *definitions.Service) {
	def, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, "failed to get definition", err)
		return
	}
	respondJSON(w, http.StatusOK, toResponse(def))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, svc *definitions.Service) {
	var req DefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	def, err := svc.Update(r.Context(), chi.URLParam(r, "id"), req.edit())
	if err != nil {
		respondServiceError(w, "failed to update definition", err)
		return
	}
	respondJSON(w, http.StatusOK, toResponse(def))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, svc *definitions.Service) {
	if err := svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, "failed to delete definition", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lifecycleOp func(svc *definitions.Service, ctx context.Context, id string) (*definitions.Definition, error)

func (s *Server) lifecycle(op lifecycleOp) serviceHandler {
	return func(w http.ResponseWriter, r *http.Request, svc *definitions.Service) {
		def, err := op(svc, r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondServiceError(w, "lifecycle operation failed", err)
			return
		}
		respondJSON(w, http.StatusOK, toResponse(def))
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, definitions.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, definitions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, definitions.ErrNameConflict),
		errors.Is(err, definitions.ErrIllegalTransition),
		errors.Is(err, definitions.ErrStale):
		return http.StatusConflict
	case errors.Is(err, definitions.ErrDispatchUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func respondServiceError(w http.ResponseWriter, message string, err error) {
	respondError(w, statusFor(err), message, err)
}
