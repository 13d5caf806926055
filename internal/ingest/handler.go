package ingest

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
	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/sigverify"
)

// forwardedHeaders is the allow-list snapshot into the delivery record and
// queue message. Everything else the sender attaches is dropped.
var forwardedHeaders = []string{
	"Stripe-Signature",
	"X-Hub-Signature-256",
	"X-Signature",
	"X-Timestamp",
	"Idempotency-Key",
	"Content-Type",
}

// RecordStore is the write side of the delivery record store.
type RecordStore interface {
	PutDelivery(ctx context.Context, r *domain.DeliveryRecord) error
}

// Enqueuer is the produce side of the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg domain.QueueMessage, delay time.Duration) error
}

// Gateway is the sender-facing ingest surface: verify, validate, persist,
// enqueue, ack.
type Gateway struct {
	endpoints EndpointSource
	verifier  *sigverify.Verifier
	validator *Validator
	records   RecordStore
	q         Enqueuer
	deduper   *Deduper
	logger    *slog.Logger

	requestTimeout time.Duration

	// now is overridable for tests.
	now func() time.Time
}

type GatewayConfig struct {
	Endpoints      EndpointSource
	Verifier       *sigverify.Verifier
	Validator      *Validator
	Records        RecordStore
	Queue          Enqueuer
	Deduper        *Deduper // optional; nil disables idempotency
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

func NewGateway(cfg GatewayConfig) *Gateway {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		endpoints:      cfg.Endpoints,
		verifier:       cfg.Verifier,
		validator:      cfg.Validator,
		records:        cfg.Records,
		q:              cfg.Queue,
		deduper:        cfg.Deduper,
		logger:         cfg.Logger,
		requestTimeout: timeout,
		now:            time.Now,
	}
}

// Router builds the gateway's HTTP surface: the ingest route and a health
// probe, nothing else.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(g.requestTimeout))

	r.Post("/ingest/{endpointID}", g.handleIngest)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}

type ingestResponse struct {
	DeliveryID string `json:"delivery_id"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpointID := chi.URLParam(r, "endpointID")
	log := g.logger.With("endpoint_id", endpointID)

	ep, err := g.endpoints.GetEndpoint(ctx, endpointID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondError(w, http.StatusNotFound, "unknown endpoint")
			return
		}
		log.Error("resolving endpoint", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ep.IsActive {
		respondError(w, http.StatusNotFound, "unknown endpoint")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.validator.MaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "reading body failed")
		return
	}

	if err := g.verifier.Verify(ep, body, r.Header); err != nil {
		log.Warn("signature verification failed", "error", err)
		respondError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	if err := g.validator.Validate(body, r.ContentLength); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := g.now()
	deliveryID := domain.NewDeliveryID(now)
	headers := snapshotHeaders(r.Header)

	idemKey := r.Header.Get("Idempotency-Key")
	if g.deduper != nil && idemKey != "" {
		priorID, fresh, err := g.deduper.Reserve(ctx, endpointID, idemKey, deliveryID)
		if err != nil {
			log.Error("idempotency check failed", "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !fresh {
			respondJSON(w, http.StatusAccepted, ingestResponse{DeliveryID: priorID, Duplicate: true})
			return
		}
	}

	record := &domain.DeliveryRecord{
		EndpointID:     endpointID,
		DeliveryID:     deliveryID,
		Status:         domain.StatusPending,
		Timestamp:      now.UnixMilli(),
		Attempt:        0,
		DestURL:        ep.DestURL,
		RequestHeaders: headers,
		RequestBody:    string(body),
	}
	if err := g.records.PutDelivery(ctx, record); err != nil {
		g.releaseIdem(ctx, endpointID, idemKey)
		log.Error("persisting delivery record", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	msg := domain.QueueMessage{
		EndpointID: endpointID,
		DeliveryID: deliveryID,
		RawBody:    string(body),
		Headers:    headers,
		ReceivedAt: now.UnixMilli(),
		Attempt:    0,
	}
	if err := g.q.Enqueue(ctx, msg, 0); err != nil {
		g.releaseIdem(ctx, endpointID, idemKey)
		log.Error("enqueuing delivery", "error", err, "delivery_id", deliveryID)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	log.Info("delivery accepted", "delivery_id", deliveryID, "bytes", len(body))
	respondJSON(w, http.StatusAccepted, ingestResponse{DeliveryID: deliveryID})
}

func (g *Gateway) releaseIdem(ctx context.Context, endpointID, key string) {
	if g.deduper != nil && key != "" {
		g.deduper.Release(ctx, endpointID, key)
	}
}

func snapshotHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, name := range forwardedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
