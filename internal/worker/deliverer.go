package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/engine"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/store"
)

// Response capture limits. Larger responses are truncated before persisting.
const (
	maxResponseBody   = 1024
	maxHeaderValueLen = 256
)

// userAgent identifies the relay on outbound requests.
const userAgent = "hookrelay/1.0"

// gateRetryDelay is how long a message waits when a circuit breaker or
// rate limit holds it back. Gate reschedules do not consume an attempt.
const gateRetryDelay = 5 * time.Second

// EndpointSource resolves endpoint configuration, typically the Postgres
// store behind a short TTL cache.
type EndpointSource interface {
	GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error)
}

// RecordStore is the delivery record surface the worker writes through.
type RecordStore interface {
	UpdateDelivery(ctx context.Context, key domain.DeliveryKey, patch store.DeliveryPatch, expectStatus domain.DeliveryStatus) error
}

// MessageQueue is the settle side of the delivery queue.
type MessageQueue interface {
	ExtendClaim(ctx context.Context, c queue.Claim, d time.Duration) error
	Requeue(ctx context.Context, c queue.Claim, msg domain.QueueMessage, delay time.Duration) error
	Delete(ctx context.Context, c queue.Claim) error
}

// DeadLetters receives permanently failed deliveries.
type DeadLetters interface {
	Put(ctx context.Context, key string, item *domain.DeadLetterItem) error
}

// breakerGate and limiterGate are the engine guards, narrowed for tests.
type breakerGate interface {
	AllowRequest(ctx context.Context, endpointID string) (string, bool)
	RecordSuccess(ctx context.Context, endpointID string)
	RecordFailure(ctx context.Context, endpointID string)
}

type limiterGate interface {
	Allow(ctx context.Context, limit int) bool
}

// SettingsSource supplies the operator-tunable runtime settings.
type SettingsSource interface {
	GetSystemSettings(ctx context.Context) (*store.SystemSettings, error)
}

// Deliverer executes one claimed message end to end: load the endpoint,
// POST the payload, classify the result, persist it, and settle the
// message by deleting it, requeueing a delayed retry, or dead-lettering.
type Deliverer struct {
	httpClient *http.Client
	endpoints  EndpointSource
	records    RecordStore
	q          MessageQueue
	dlq        DeadLetters
	breaker    breakerGate
	limiter    limiterGate
	settings   SettingsSource
	logger     *slog.Logger

	// now is overridable for tests.
	now func() time.Time
}

// Config wires a Deliverer. Breaker and Limiter are optional; nil disables
// that gate.
type Config struct {
	Endpoints  EndpointSource
	Records    RecordStore
	Queue      MessageQueue
	DLQ        DeadLetters
	Breaker    *engine.CircuitBreaker
	Limiter    *engine.RateLimiter
	Settings   SettingsSource
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewDeliverer(cfg Config) *Deliverer {
	client := cfg.HTTPClient
	if client == nil {
		// Per-attempt deadlines come from the request context; the client
		// timeout is only a hard upper bound.
		client = &http.Client{Timeout: time.Duration(domain.MaxTimeoutSec) * time.Second}
	}
	d := &Deliverer{
		httpClient: client,
		endpoints:  cfg.Endpoints,
		records:    cfg.Records,
		q:          cfg.Queue,
		dlq:        cfg.DLQ,
		settings:   cfg.Settings,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if cfg.Breaker != nil {
		d.breaker = cfg.Breaker
	}
	if cfg.Limiter != nil {
		d.limiter = cfg.Limiter
	}
	return d
}

// Process runs the per-message delivery algorithm. Errors are terminal for
// the caller only when settling the queue failed; the message then stays
// claimed and the visibility reaper redelivers it.
func (d *Deliverer) Process(ctx context.Context, c queue.Claim) error {
	msg := c.Msg
	key := msg.Key()
	log := d.logger.With("endpoint_id", msg.EndpointID, "delivery_id", msg.DeliveryID)

	ep, err := d.endpoints.GetEndpoint(ctx, msg.EndpointID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return d.failWithoutAttempt(ctx, c, "endpoint gone")
		}
		// Store unreachable: leave the message claimed for redelivery.
		return fmt.Errorf("loading endpoint: %w", err)
	}
	if !ep.IsActive {
		return d.failWithoutAttempt(ctx, c, "endpoint gone")
	}

	set, err := d.settings.GetSystemSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading system settings: %w", err)
	}

	// Gate checks reschedule without consuming an attempt.
	if d.limiter != nil && !d.limiter.Allow(ctx, set.RateLimitPerSec) {
		log.Debug("delivery rate limited, rescheduling")
		return d.q.Requeue(ctx, c, msg, gateRetryDelay)
	}
	if d.breaker != nil {
		if state, allowed := d.breaker.AllowRequest(ctx, msg.EndpointID); !allowed {
			log.Debug("circuit open, rescheduling", "state", state)
			return d.q.Requeue(ctx, c, msg, gateRetryDelay)
		}
	}

	// Hold the lock for twice the attempt deadline so the reaper cannot
	// hand the claim to a second worker while this POST is in flight.
	if err := d.q.ExtendClaim(ctx, c, 2*ep.Timeout()); err != nil {
		return fmt.Errorf("extending claim: %w", err)
	}

	attempt := msg.Attempt + 1
	retrying := domain.StatusRetrying
	if err := d.records.UpdateDelivery(ctx, key, store.DeliveryPatch{
		Status:  &retrying,
		Attempt: &attempt,
		DestURL: &ep.DestURL,
	}, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("marking delivery retrying: %w", err)
	}

	result := d.attempt(ctx, ep, msg, attempt)

	switch result.outcome {
	case OutcomeSuccess:
		if d.breaker != nil {
			d.breaker.RecordSuccess(ctx, msg.EndpointID)
		}
		if err := d.persistResult(ctx, key, domain.StatusSuccess, result, nil); err != nil {
			return err
		}
		log.Info("delivery succeeded",
			"attempt", attempt,
			"status_code", derefInt(result.status),
			"duration_ms", result.durationMs,
		)
		return d.q.Delete(ctx, c)

	case OutcomeRetryable:
		if d.breaker != nil {
			d.breaker.RecordFailure(ctx, msg.EndpointID)
		}
		if attempt <= ep.MaxRetries {
			strategy := StrategyFor(set.RetryPolicy,
				time.Duration(set.RetryBaseSec)*time.Second,
				time.Duration(set.RetryCapSec)*time.Second)
			delay := strategy.Delay(attempt)
			retryAt := d.now().Add(delay)

			if err := d.persistResult(ctx, key, domain.StatusRetrying, result, &retryAt); err != nil {
				return err
			}
			log.Warn("delivery failed, retrying",
				"attempt", attempt,
				"max_retries", ep.MaxRetries,
				"status_code", derefInt(result.status),
				"error", result.errText,
				"retry_in", delay.String(),
			)

			next := msg
			next.Attempt = attempt
			return d.q.Requeue(ctx, c, next, delay)
		}
		return d.deadLetter(ctx, c, result, attempt, "retries exhausted")

	default:
		if d.breaker != nil {
			d.breaker.RecordFailure(ctx, msg.EndpointID)
		}
		return d.deadLetter(ctx, c, result, attempt, "non-retryable")
	}
}

// attemptResult carries everything one HTTP attempt produced.
type attemptResult struct {
	outcome    Outcome
	status     *int
	headers    map[string]string
	body       string
	durationMs int
	errText    string
}

// attempt issues the HTTP POST under the endpoint's per-attempt deadline.
func (d *Deliverer) attempt(ctx context.Context, ep *domain.Endpoint, msg domain.QueueMessage, attempt int) attemptResult {
	start := d.now()

	reqCtx, cancel := context.WithTimeout(ctx, ep.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.DestURL, strings.NewReader(msg.RawBody))
	if err != nil {
		return attemptResult{
			outcome: OutcomeNonRetryable,
			errText: fmt.Sprintf("building request: %v", err),
		}
	}

	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Relay-Attempt", fmt.Sprintf("%d", attempt))

	resp, err := d.httpClient.Do(req)
	elapsed := int(d.now().Sub(start).Milliseconds())
	if err != nil {
		return attemptResult{
			outcome:    OutcomeRetryable,
			durationMs: elapsed,
			errText:    fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	result := attemptResult{
		outcome:    ClassifyStatus(resp.StatusCode),
		status:     &resp.StatusCode,
		headers:    captureHeaders(resp.Header),
		body:       string(body),
		durationMs: elapsed,
	}
	if result.outcome != OutcomeSuccess {
		result.errText = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return result
}

// persistResult writes the attempt's terminal fields onto the record.
func (d *Deliverer) persistResult(ctx context.Context, key domain.DeliveryKey, status domain.DeliveryStatus, r attemptResult, retryAt *time.Time) error {
	patch := store.DeliveryPatch{
		Status:          &status,
		ResponseStatus:  r.status,
		ResponseHeaders: r.headers,
		ResponseBody:    &r.body,
		DurationMs:      &r.durationMs,
		Error:           &r.errText,
	}
	if retryAt != nil {
		patch.RetryAt = retryAt
	} else {
		patch.ClearRetryAt = true
	}
	if err := d.records.UpdateDelivery(ctx, key, patch, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("persisting delivery result: %w", err)
	}
	return nil
}

// deadLetter writes the DLQ blob, then flips the record to failed, then
// settles the message. Blob-before-record ordering means a crash between
// the two leaves a retriable inconsistency, never a silent loss.
func (d *Deliverer) deadLetter(ctx context.Context, c queue.Claim, r attemptResult, attempt int, reason string) error {
	msg := c.Msg
	item := &domain.DeadLetterItem{
		EndpointID:        msg.EndpointID,
		DeliveryID:        msg.DeliveryID,
		OriginalPayload:   msg.RawBody,
		OriginalHeaders:   msg.Headers,
		OriginalTimestamp: msg.ReceivedAt,
		AttemptCount:      attempt,
		FinalError:        r.errText,
		Reason:            reason,
	}
	if err := d.dlq.Put(ctx, domain.DLQKey(msg.EndpointID, msg.DeliveryID), item); err != nil {
		return fmt.Errorf("writing dead letter: %w", err)
	}

	if err := d.persistResult(ctx, msg.Key(), domain.StatusFailed, r, nil); err != nil {
		return err
	}
	d.logger.Warn("delivery dead-lettered",
		"endpoint_id", msg.EndpointID,
		"delivery_id", msg.DeliveryID,
		"attempt", attempt,
		"reason", reason,
		"error", r.errText,
	)
	return d.q.Delete(ctx, c)
}

// failWithoutAttempt marks the record failed when no attempt can be made,
// for example when the endpoint was deleted while messages were queued.
func (d *Deliverer) failWithoutAttempt(ctx context.Context, c queue.Claim, reason string) error {
	failed := domain.StatusFailed
	err := d.records.UpdateDelivery(ctx, c.Msg.Key(), store.DeliveryPatch{
		Status:       &failed,
		Error:        &reason,
		ClearRetryAt: true,
	}, "")
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("marking delivery failed: %w", err)
	}
	d.logger.Warn("delivery abandoned",
		"endpoint_id", c.Msg.EndpointID,
		"delivery_id", c.Msg.DeliveryID,
		"reason", reason,
	)
	return d.q.Delete(ctx, c)
}

func captureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		v := h.Get(k)
		if len(v) > maxHeaderValueLen {
			v = v[:maxHeaderValueLen]
		}
		out[k] = v
	}
	return out
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
