package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/store"
)

func TestAuthenticator(t *testing.T) {
	auth := NewAuthenticator([]string{"token-a", "token-b"})
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic dXNlcg==", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusForbidden},
		{"valid token", "Bearer token-a", http.StatusOK},
		{"second valid token", "Bearer token-b", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/rpc/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestComputeHealthAlerts(t *testing.T) {
	quiet := &queue.Stats{Ready: 10}

	tests := []struct {
		name         string
		failed       int
		total        int
		depth        *queue.Stats
		wantCount    int
		wantSeverity string
		wantKind     string
	}{
		{"all healthy", 1, 100, quiet, 0, "", ""},
		{"failure warning", 10, 100, quiet, 1, "warning", "failure_rate"},
		{"failure critical", 25, 100, quiet, 1, "critical", "failure_rate"},
		{"no terminal deliveries", 0, 0, quiet, 0, "", ""},
		{"queue warning", 0, 100, &queue.Stats{Ready: 1000}, 1, "warning", "queue_depth"},
		{"queue critical", 0, 100, &queue.Stats{Ready: 10000}, 1, "critical", "queue_depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := computeHealthAlerts(tt.failed, tt.total, tt.depth)
			if len(alerts) != tt.wantCount {
				t.Fatalf("got %d alerts, want %d: %+v", len(alerts), tt.wantCount, alerts)
			}
			if tt.wantCount > 0 {
				if alerts[0].Severity != tt.wantSeverity || alerts[0].Kind != tt.wantKind {
					t.Errorf("alert = %+v, want %s/%s", alerts[0], tt.wantSeverity, tt.wantKind)
				}
			}
		})
	}
}

func TestComputeHealthAlerts_BothDimensions(t *testing.T) {
	alerts := computeHealthAlerts(50, 100, &queue.Stats{Ready: 50000})
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	for _, a := range alerts {
		if a.Severity != "critical" {
			t.Errorf("expected critical severity, got %+v", a)
		}
	}
}

func TestFormatDeliveriesCSV(t *testing.T) {
	code := 200
	dur := 150
	records := []domain.DeliveryRecord{
		{
			EndpointID:     "ep1",
			DeliveryID:     "0001700000000000-aa",
			Status:         domain.StatusSuccess,
			Timestamp:      1700000000000,
			Attempt:        1,
			DestURL:        "https://example.com/hook",
			ResponseStatus: &code,
			DurationMs:     &dur,
		},
		{
			EndpointID: "ep2",
			DeliveryID: "0001700000001000-bb",
			Status:     domain.StatusFailed,
			Timestamp:  1700000001000,
			Attempt:    4,
			Error:      "HTTP 500",
		},
	}

	out, err := formatDeliveriesCSV(records)
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "endpoint_id,delivery_id,status") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "ep1") || !strings.Contains(lines[1], "200") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "HTTP 500") {
		t.Errorf("row 2 = %q", lines[2])
	}
	// Optional columns stay empty, not zero.
	if strings.Contains(lines[2], ",0,") && strings.Contains(lines[2], "failed,") {
		cols := strings.Split(lines[2], ",")
		if cols[6] != "" {
			t.Errorf("response_status should be empty for no-response failure, got %q", cols[6])
		}
	}
}

func TestFormatDeliveriesJSON(t *testing.T) {
	out, err := formatDeliveriesJSON([]domain.DeliveryRecord{{EndpointID: "ep1", DeliveryID: "d1", Status: domain.StatusPending}})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.Contains(out, `"endpoint_id": "ep1"`) {
		t.Errorf("json output missing fields: %s", out)
	}
}

func TestMergeSettings_PartialUpdate(t *testing.T) {
	cur := store.DefaultSystemSettings()
	policy := "linear"
	merged, restart := mergeSettings(cur, updateSystemSettingsParams{RetryPolicy: &policy})

	if merged.RetryPolicy != "linear" {
		t.Errorf("retry_policy = %q, want linear", merged.RetryPolicy)
	}
	// Omitted fields keep their current values instead of zeroing out.
	if merged.RetryBaseSec != cur.RetryBaseSec || merged.ConcurrentDeliveries != cur.ConcurrentDeliveries {
		t.Errorf("omitted fields changed: %+v", merged)
	}
	if err := merged.Validate(); err != nil {
		t.Errorf("partial update must stay valid: %v", err)
	}
	if len(restart) != 0 {
		t.Errorf("no restart expected, got %v", restart)
	}
}

func TestMergeSettings_ConcurrencyChangeFlagsRestart(t *testing.T) {
	cur := store.DefaultSystemSettings()

	changed := cur.ConcurrentDeliveries + 15
	merged, restart := mergeSettings(cur, updateSystemSettingsParams{ConcurrentDeliveries: &changed})
	if merged.ConcurrentDeliveries != changed {
		t.Errorf("concurrent_deliveries = %d, want %d", merged.ConcurrentDeliveries, changed)
	}
	if len(restart) != 1 || restart[0] != "concurrent_deliveries" {
		t.Errorf("restart_required = %v, want [concurrent_deliveries]", restart)
	}

	// Re-sending the current value is not a change.
	same := cur.ConcurrentDeliveries
	_, restart = mergeSettings(cur, updateSystemSettingsParams{ConcurrentDeliveries: &same})
	if len(restart) != 0 {
		t.Errorf("unchanged value must not flag a restart, got %v", restart)
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0, 50); got != 50 {
		t.Errorf("clampLimit(0, 50) = %d", got)
	}
	if got := clampLimit(30, 50); got != 30 {
		t.Errorf("clampLimit(30, 50) = %d", got)
	}
	if got := clampLimit(200, 100); got != 100 {
		t.Errorf("clampLimit(200, 100) = %d", got)
	}
}
