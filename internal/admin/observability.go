package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/store"
)

// Alert thresholds. Failure rate is computed over terminal deliveries in
// the last hour; queue depth over currently visible messages.
const (
	failureWarnPct = 10.0
	failureCritPct = 25.0

	queueDepthWarn = 1000
	queueDepthCrit = 10000
)

type statsResult struct {
	Deliveries      *store.DeliveryStats `json:"deliveries"`
	Queue           *queue.Stats         `json:"queue"`
	ActiveEndpoints int                  `json:"active_endpoints"`
}

func (s *Server) stats(ctx context.Context, _ json.RawMessage) (any, error) {
	deliveries, err := s.store.GetDeliveryStats(ctx, 0)
	if err != nil {
		return nil, err
	}
	depth, err := s.q.Depth(ctx)
	if err != nil {
		return nil, err
	}
	endpoints, err := s.store.CountActiveEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	return statsResult{Deliveries: deliveries, Queue: depth, ActiveEndpoints: endpoints}, nil
}

type analyticsParams struct {
	TimeRange  string `json:"time_range"`
	EndpointID string `json:"endpoint_id,omitempty"`
}

var analyticsWindows = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

func (s *Server) analytics(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[analyticsParams](params)
	if err != nil {
		return nil, err
	}
	window, ok := analyticsWindows[p.TimeRange]
	if !ok {
		return nil, domain.Validationf("time_range must be one of 1h, 24h, 7d, 30d")
	}
	return s.store.GetAnalytics(ctx, window, p.EndpointID)
}

// HealthAlert is one computed operational alert.
type HealthAlert struct {
	Severity string  `json:"severity"` // warning or critical
	Kind     string  `json:"kind"`
	Message  string  `json:"message"`
	Value    float64 `json:"value"`
}

func (s *Server) healthAlerts(ctx context.Context, _ json.RawMessage) (any, error) {
	failed, total, err := s.store.FailureRate(ctx, time.Hour)
	if err != nil {
		return nil, err
	}
	depth, err := s.q.Depth(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"alerts": computeHealthAlerts(failed, total, depth)}, nil
}

// computeHealthAlerts applies the alert bands to current metrics.
func computeHealthAlerts(failed, total int, depth *queue.Stats) []HealthAlert {
	alerts := []HealthAlert{}

	if total > 0 {
		rate := float64(failed) / float64(total) * 100
		switch {
		case rate >= failureCritPct:
			alerts = append(alerts, HealthAlert{
				Severity: "critical",
				Kind:     "failure_rate",
				Message:  "failure rate over the last hour is critically high",
				Value:    rate,
			})
		case rate >= failureWarnPct:
			alerts = append(alerts, HealthAlert{
				Severity: "warning",
				Kind:     "failure_rate",
				Message:  "failure rate over the last hour is elevated",
				Value:    rate,
			})
		}
	}

	backlog := depth.Ready
	switch {
	case backlog >= queueDepthCrit:
		alerts = append(alerts, HealthAlert{
			Severity: "critical",
			Kind:     "queue_depth",
			Message:  "delivery queue backlog is critically deep",
			Value:    float64(backlog),
		})
	case backlog >= queueDepthWarn:
		alerts = append(alerts, HealthAlert{
			Severity: "warning",
			Kind:     "queue_depth",
			Message:  "delivery queue backlog is growing",
			Value:    float64(backlog),
		})
	}

	return alerts
}
