package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hookrelay/hookrelay/internal/dlq"
	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/engine"
	"github.com/hookrelay/hookrelay/internal/ingest"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/store"
)

// Server is the operator control plane: one POST /rpc/{procedure} route
// per operation, all behind the admin authenticator.
type Server struct {
	store      *store.PostgresStore
	q          *queue.Queue
	blobs      dlq.BlobStore
	cache      *ingest.EndpointCache
	breaker    *engine.CircuitBreaker
	auth       *Authenticator
	httpClient *http.Client
	logger     *slog.Logger

	procedures map[string]procedure

	// now is overridable for tests.
	now func() time.Time
}

type procedure func(ctx context.Context, params json.RawMessage) (any, error)

type ServerConfig struct {
	Store      *store.PostgresStore
	Queue      *queue.Queue
	Blobs      dlq.BlobStore
	Cache      *ingest.EndpointCache     // optional
	Breaker    *engine.CircuitBreaker    // optional
	Auth       *Authenticator
	HTTPClient *http.Client // optional, used by testEndpoint
	Logger     *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s := &Server{
		store:      cfg.Store,
		q:          cfg.Queue,
		blobs:      cfg.Blobs,
		cache:      cfg.Cache,
		breaker:    cfg.Breaker,
		auth:       cfg.Auth,
		httpClient: client,
		logger:     cfg.Logger,
		now:        time.Now,
	}

	s.procedures = map[string]procedure{
		// Endpoints
		"listEndpoints":  s.listEndpoints,
		"getEndpoint":    s.getEndpoint,
		"createEndpoint": s.createEndpoint,
		"updateEndpoint": s.updateEndpoint,
		"deleteEndpoint": s.deleteEndpoint,
		"rotateSecret":   s.rotateSecret,
		"testEndpoint":   s.testEndpoint,

		// Deliveries
		"listRecent":       s.listRecent,
		"listFiltered":     s.listFiltered,
		"retry":            s.retryDelivery,
		"bulkRetry":        s.bulkRetry,
		"bulkDelete":       s.bulkDelete,
		"bulkArchive":      s.bulkArchive,
		"bulkUpdateStatus": s.bulkUpdateStatus,
		"exportDeliveries": s.exportDeliveries,

		// DLQ
		"listDlq":       s.listDlq,
		"replayDlq":     s.replayDlq,
		"deleteDlq":     s.deleteDlq,
		"bulkDeleteDlq": s.bulkDeleteDlq,

		// Observability
		"stats":        s.stats,
		"analytics":    s.analytics,
		"healthAlerts": s.healthAlerts,

		// System
		"getSystemSettings":    s.getSystemSettings,
		"updateSystemSettings": s.updateSystemSettings,
		"testSystemConnection": s.testSystemConnection,
	}
	return s
}

// Router builds the control-plane HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/rpc/{procedure}", s.handleRPC)
	})

	return r
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "procedure")
	proc, ok := s.procedures[name]
	if !ok {
		respondRPCError(w, http.StatusNotFound, "NOT_FOUND", "unknown procedure")
		return
	}

	params, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondRPCError(w, http.StatusBadRequest, "BAD_REQUEST", "reading request body failed")
		return
	}
	if len(params) == 0 {
		params = []byte("{}")
	}

	result, err := proc(r.Context(), params)
	if err != nil {
		s.writeError(w, name, err)
		return
	}
	respondJSON(w, http.StatusOK, rpcResponse{Result: result})
}

type rpcResponse struct {
	Result any `json:"result"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps domain error kinds to RPC codes. Internal detail stays
// in the logs.
func (s *Server) writeError(w http.ResponseWriter, procName string, err error) {
	switch {
	case domain.IsValidation(err):
		respondRPCError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondRPCError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		respondRPCError(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, domain.ErrConflict):
		respondRPCError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		respondRPCError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		respondRPCError(w, http.StatusForbidden, "FORBIDDEN", "forbidden")
	default:
		s.logger.Error("rpc procedure failed", "procedure", procName, "error", err)
		respondRPCError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(params, &v); err != nil {
		return v, domain.Validationf("malformed parameters: %v", err)
	}
	return v, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondRPCError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]rpcError{"error": {Code: code, Message: msg}})
}
