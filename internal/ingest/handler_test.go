package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"log/slog"

	"github.com/alicebob/miniredis/v2"
	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/sigverify"
	"github.com/redis/go-redis/v9"
)

type fakeEndpoints struct {
	eps map[string]*domain.Endpoint
}

func (f *fakeEndpoints) GetEndpoint(_ context.Context, id string) (*domain.Endpoint, error) {
	ep, ok := f.eps[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ep, nil
}

type fakeRecords struct {
	records []*domain.DeliveryRecord
}

func (f *fakeRecords) PutDelivery(_ context.Context, r *domain.DeliveryRecord) error {
	f.records = append(f.records, r)
	return nil
}

type fakeEnqueuer struct {
	msgs []domain.QueueMessage
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, msg domain.QueueMessage, _ time.Duration) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

type gatewayFixture struct {
	gw  *Gateway
	srv *httptest.Server
	eps *fakeEndpoints
	rec *fakeRecords
	q   *fakeEnqueuer
}

func setupGateway(t *testing.T, deduper *Deduper) *gatewayFixture {
	t.Helper()
	eps := &fakeEndpoints{eps: map[string]*domain.Endpoint{
		"ep1": {
			ID:         "ep1",
			DestURL:    "https://example.com/hook",
			HMACMode:   domain.HMACModeStripe,
			Secret:     "whsec_s",
			TimeoutSec: 30,
			MaxRetries: 3,
			IsActive:   true,
		},
	}}
	rec := &fakeRecords{}
	q := &fakeEnqueuer{}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	verifier := sigverify.New(0, false)
	verifier.Now = func() time.Time { return time.Unix(1700000100, 0) }

	gw := NewGateway(GatewayConfig{
		Endpoints: eps,
		Verifier:  verifier,
		Validator: NewValidator(2),
		Records:   rec,
		Queue:     q,
		Deduper:   deduper,
		Logger:    logger,
	})
	gw.now = func() time.Time { return time.Unix(1700000100, 0) }

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)
	return &gatewayFixture{gw: gw, srv: srv, eps: eps, rec: rec, q: q}
}

func stripePost(t *testing.T, f *gatewayFixture, path string, body []byte, header string, extra map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if header != "" {
		req.Header.Set("Stripe-Signature", header)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGateway_StripeAccept(t *testing.T) {
	f := setupGateway(t, nil)
	body := []byte(`{"a":1}`)
	header := sigverify.StripeHeader("whsec_s", body, 1700000000)

	resp := stripePost(t, f, "/ingest/ep1", body, header, nil)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var got ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.DeliveryID == "" {
		t.Fatal("expected a delivery_id")
	}

	if len(f.rec.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(f.rec.records))
	}
	r := f.rec.records[0]
	if r.Status != domain.StatusPending || r.Attempt != 0 {
		t.Errorf("record = status %s attempt %d, want pending/0", r.Status, r.Attempt)
	}
	if r.RequestBody != `{"a":1}` {
		t.Errorf("raw body not preserved: %q", r.RequestBody)
	}
	if r.RequestHeaders["Stripe-Signature"] != header {
		t.Error("signature header should be snapshotted")
	}

	if len(f.q.msgs) != 1 {
		t.Fatalf("expected 1 queue message, got %d", len(f.q.msgs))
	}
	if f.q.msgs[0].DeliveryID != got.DeliveryID || f.q.msgs[0].Attempt != 0 {
		t.Errorf("queue message mismatch: %+v", f.q.msgs[0])
	}
}

func TestGateway_ReplayRejected(t *testing.T) {
	f := setupGateway(t, nil)
	body := []byte(`{"a":1}`)
	header := sigverify.StripeHeader("whsec_s", body, 1700000000)

	// Move server time past the 300s window.
	f.gw.verifier.Now = func() time.Time { return time.Unix(1700001000, 0) }

	resp := stripePost(t, f, "/ingest/ep1", body, header, nil)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if len(f.rec.records) != 0 || len(f.q.msgs) != 0 {
		t.Error("rejected request must not create records or messages")
	}
}

func TestGateway_BadSignatureRejected(t *testing.T) {
	f := setupGateway(t, nil)
	body := []byte(`{"a":1}`)
	header := sigverify.StripeHeader("wrong-secret", body, 1700000000)

	resp := stripePost(t, f, "/ingest/ep1", body, header, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGateway_UnknownEndpoint404(t *testing.T) {
	f := setupGateway(t, nil)
	resp := stripePost(t, f, "/ingest/nope", []byte(`{}`), "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGateway_InactiveEndpoint404(t *testing.T) {
	f := setupGateway(t, nil)
	f.eps.eps["ep1"].IsActive = false

	body := []byte(`{"a":1}`)
	header := sigverify.StripeHeader("whsec_s", body, 1700000000)
	resp := stripePost(t, f, "/ingest/ep1", body, header, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGateway_OversizeRejected(t *testing.T) {
	f := setupGateway(t, nil)

	big := make([]byte, 3<<20)
	for i := range big {
		big[i] = 'x'
	}
	header := sigverify.StripeHeader("whsec_s", big, 1700000000)

	resp := stripePost(t, f, "/ingest/ep1", big, header, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	if len(f.rec.records) != 0 || len(f.q.msgs) != 0 {
		t.Error("oversize request must not create records or messages")
	}
}

func TestGateway_EmptyBodyRejected(t *testing.T) {
	f := setupGateway(t, nil)
	f.eps.eps["ep1"].HMACMode = domain.HMACModeNone
	f.eps.eps["ep1"].Secret = ""
	f.gw.verifier.DevBypass = true

	resp := stripePost(t, f, "/ingest/ep1", nil, "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGateway_IdempotencyDeduplicates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := setupGateway(t, NewDeduper(client, time.Hour))
	body := []byte(`{"a":1}`)
	header := sigverify.StripeHeader("whsec_s", body, 1700000000)
	extra := map[string]string{"Idempotency-Key": "key-1"}

	first := stripePost(t, f, "/ingest/ep1", body, header, extra)
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d", first.StatusCode)
	}
	var a ingestResponse
	json.NewDecoder(first.Body).Decode(&a)

	second := stripePost(t, f, "/ingest/ep1", body, header, extra)
	if second.StatusCode != http.StatusAccepted {
		t.Fatalf("second status = %d", second.StatusCode)
	}
	var b ingestResponse
	json.NewDecoder(second.Body).Decode(&b)

	if a.DeliveryID != b.DeliveryID {
		t.Errorf("duplicate returned different delivery id: %s vs %s", a.DeliveryID, b.DeliveryID)
	}
	if !b.Duplicate {
		t.Error("second response should be flagged duplicate")
	}
	if len(f.rec.records) != 1 || len(f.q.msgs) != 1 {
		t.Errorf("duplicate must not create a second record/message: records=%d msgs=%d",
			len(f.rec.records), len(f.q.msgs))
	}

	// A different key is independent.
	third := stripePost(t, f, "/ingest/ep1", body, header, map[string]string{"Idempotency-Key": "key-2"})
	if third.StatusCode != http.StatusAccepted {
		t.Fatalf("third status = %d", third.StatusCode)
	}
	if len(f.rec.records) != 2 {
		t.Errorf("distinct key should create a new record, got %d", len(f.rec.records))
	}
}

func TestEndpointCache_ServesFromCacheWithinTTL(t *testing.T) {
	calls := 0
	src := endpointSourceFunc(func(ctx context.Context, id string) (*domain.Endpoint, error) {
		calls++
		return &domain.Endpoint{ID: id, IsActive: true}, nil
	})

	c := NewEndpointCache(src, 30*time.Second)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	c.GetEndpoint(ctx, "ep1")
	c.GetEndpoint(ctx, "ep1")
	if calls != 1 {
		t.Errorf("expected 1 source call within TTL, got %d", calls)
	}

	now = now.Add(31 * time.Second)
	c.GetEndpoint(ctx, "ep1")
	if calls != 2 {
		t.Errorf("expected refresh after TTL, got %d calls", calls)
	}

	c.Invalidate("ep1")
	c.GetEndpoint(ctx, "ep1")
	if calls != 3 {
		t.Errorf("expected refresh after invalidation, got %d calls", calls)
	}
}

type endpointSourceFunc func(ctx context.Context, id string) (*domain.Endpoint, error)

func (f endpointSourceFunc) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	return f(ctx, id)
}

func TestValidator(t *testing.T) {
	v := NewValidator(2)

	if err := v.Validate([]byte(`{}`), 2); err != nil {
		t.Errorf("valid body rejected: %v", err)
	}
	if err := v.Validate(nil, 0); !domain.IsValidation(err) {
		t.Errorf("empty body should fail validation, got %v", err)
	}
	if err := v.Validate([]byte(`{}`), 5); !domain.IsValidation(err) {
		t.Errorf("content-length mismatch should fail validation, got %v", err)
	}
	if err := v.Validate([]byte(`{}`), -1); err != nil {
		t.Errorf("absent content-length should pass: %v", err)
	}
}
