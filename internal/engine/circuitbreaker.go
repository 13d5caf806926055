package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker implements a per-endpoint circuit breaker using Redis.
// State transitions: closed → open → half-open → closed
//
// - Closed: Normal operation. Failures are counted.
// - Open: All deliveries are held back. Transitions to half-open after cooldown.
// - Half-Open: One test delivery is allowed. Success → closed, failure → open.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration

	// now is overridable for tests.
	now func() time.Time
}

// CircuitBreakerState represents the current state of an endpoint's circuit.
type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, logger *slog.Logger, failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
		now:              time.Now,
	}
}

func cbKey(endpointID string) string {
	return fmt.Sprintf("relay:cb:%s", endpointID)
}

// AllowRequest checks if a delivery to this endpoint is allowed.
// Returns the current state and whether the attempt should proceed.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, endpointID string) (string, bool) {
	key := cbKey(endpointID)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		// No state yet, circuit is closed.
		return StateClosed, true
	}

	state := data["state"]
	lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)

	switch state {
	case StateOpen:
		if cb.now().Unix()-lastFailedAt >= int64(cb.cooldownPeriod.Seconds()) {
			// Cooldown elapsed: allow one test request.
			cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
			cb.logger.Info("circuit breaker half-open", "endpoint_id", endpointID)
			return StateHalfOpen, true
		}
		return StateOpen, false

	case StateHalfOpen:
		return StateHalfOpen, true

	default:
		return StateClosed, true
	}
}

// RecordSuccess records a successful delivery. Resets the circuit to closed.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, endpointID string) {
	key := cbKey(endpointID)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	cb.redisClient.HSet(ctx, key,
		"state", StateClosed,
		"failures", 0,
	)

	if state == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)", "endpoint_id", endpointID)
	}
}

// RecordFailure records a failed delivery. Opens the circuit if threshold is reached.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, endpointID string) {
	key := cbKey(endpointID)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err)
		return
	}

	cb.redisClient.HSet(ctx, key, "last_failed_at", cb.now().Unix())

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	if state == StateHalfOpen {
		// Half-open test failed, back to open.
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker re-opened (half-open test failed)",
			"endpoint_id", endpointID,
		)
	} else if failures >= int64(cb.failureThreshold) {
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker opened",
			"endpoint_id", endpointID,
			"failures", failures,
			"threshold", cb.failureThreshold,
		)
	} else if state == "" {
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// Reset clears the circuit state for an endpoint, used when an operator
// deletes or reconfigures it.
func (cb *CircuitBreaker) Reset(ctx context.Context, endpointID string) {
	cb.redisClient.Del(ctx, cbKey(endpointID))
}

// GetState returns the current circuit breaker state for an endpoint.
func (cb *CircuitBreaker) GetState(ctx context.Context, endpointID string) CircuitBreakerState {
	key := cbKey(endpointID)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed, Failures: 0}
	}

	failures, _ := strconv.Atoi(data["failures"])
	state := data["state"]
	if state == "" {
		state = StateClosed
	}

	if state == StateOpen {
		lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
		if cb.now().Unix()-lastFailedAt >= int64(cb.cooldownPeriod.Seconds()) {
			state = StateHalfOpen
		}
	}

	result := CircuitBreakerState{
		State:    state,
		Failures: failures,
	}

	if ts, ok := data["last_failed_at"]; ok && ts != "" {
		lastFailed, _ := strconv.ParseInt(ts, 10, 64)
		if lastFailed > 0 {
			result.LastFailedAt = time.Unix(lastFailed, 0).Format(time.RFC3339)
		}
	}

	return result
}
