package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestCB(t *testing.T) (*CircuitBreaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cb := NewCircuitBreaker(client, logger, 5, 30*time.Second)
	return cb, mr
}

// openCircuitAndExpireCooldown opens the circuit for an endpoint, then
// sets last_failed_at to 31 seconds ago so the cooldown has elapsed.
func openCircuitAndExpireCooldown(t *testing.T, cb *CircuitBreaker, mr *miniredis.Miniredis, endpointID string) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, endpointID)
	}

	pastTime := time.Now().Unix() - 31
	mr.HSet(cbKey(endpointID), "last_failed_at", fmt.Sprintf("%d", pastTime))
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	state, allowed := cb.AllowRequest(ctx, "ep-1")

	if state != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, state)
	}
	if !allowed {
		t.Error("new endpoint should be allowed (circuit closed)")
	}
}

func TestCircuitBreaker_GetState_Default(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	state := cb.GetState(ctx, "unknown-ep")

	if state.State != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, state.State)
	}
	if state.Failures != 0 {
		t.Errorf("expected 0 failures, got %d", state.Failures)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, "ep-1")
	}

	state, allowed := cb.AllowRequest(ctx, "ep-1")

	if state != StateOpen {
		t.Errorf("expected state %q, got %q", StateOpen, state)
	}
	if allowed {
		t.Error("should NOT be allowed when circuit is open")
	}
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx, "ep-1")
	}

	state, allowed := cb.AllowRequest(ctx, "ep-1")

	if state != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, state)
	}
	if !allowed {
		t.Error("should be allowed when below threshold")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx, "ep-1")
	}
	cb.RecordSuccess(ctx, "ep-1")

	cbState := cb.GetState(ctx, "ep-1")

	if cbState.State != StateClosed {
		t.Errorf("expected state %q after success, got %q", StateClosed, cbState.State)
	}
	if cbState.Failures != 0 {
		t.Errorf("expected 0 failures after success, got %d", cbState.Failures)
	}
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, "ep-1")
	}

	state, allowed := cb.AllowRequest(ctx, "ep-1")
	if state != StateOpen || allowed {
		t.Fatal("circuit should be open and blocking")
	}

	pastTime := time.Now().Unix() - 31
	mr.HSet(cbKey("ep-1"), "last_failed_at", fmt.Sprintf("%d", pastTime))

	state, allowed = cb.AllowRequest(ctx, "ep-1")
	if state != StateHalfOpen {
		t.Errorf("expected state %q, got %q", StateHalfOpen, state)
	}
	if !allowed {
		t.Error("should allow one request in half-open state")
	}
}

func TestCircuitBreaker_HalfOpenSuccess_ClosesCircuit(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, "ep-1")
	cb.AllowRequest(ctx, "ep-1") // triggers half-open transition

	cb.RecordSuccess(ctx, "ep-1")

	state := cb.GetState(ctx, "ep-1")
	if state.State != StateClosed {
		t.Errorf("expected %q after half-open success, got %q", StateClosed, state.State)
	}
}

func TestCircuitBreaker_HalfOpenFailure_ReopensCircuit(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, "ep-1")
	cb.AllowRequest(ctx, "ep-1") // triggers half-open transition

	cb.RecordFailure(ctx, "ep-1")

	state, allowed := cb.AllowRequest(ctx, "ep-1")
	if state != StateOpen {
		t.Errorf("expected %q after half-open failure, got %q", StateOpen, state)
	}
	if allowed {
		t.Error("should NOT be allowed after half-open failure")
	}
}

func TestCircuitBreaker_IsolationBetweenEndpoints(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, "ep-1")
	}

	state, allowed := cb.AllowRequest(ctx, "ep-2")
	if state != StateClosed {
		t.Errorf("ep-2 should be closed, got %q", state)
	}
	if !allowed {
		t.Error("ep-2 should be allowed, circuit breakers are per-endpoint")
	}
}

func TestCircuitBreaker_ResetClearsState(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, "ep-1")
	}
	cb.Reset(ctx, "ep-1")

	state, allowed := cb.AllowRequest(ctx, "ep-1")
	if state != StateClosed || !allowed {
		t.Errorf("reset circuit should be closed and allowing, got %q allowed=%v", state, allowed)
	}
}
