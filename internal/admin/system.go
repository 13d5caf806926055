package admin

import (
	"context"
	"encoding/json"

	"github.com/hookrelay/hookrelay/internal/store"
)

func (s *Server) getSystemSettings(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.store.GetSystemSettings(ctx)
}

type updateSystemSettingsParams struct {
	RetryPolicy          *string `json:"retry_policy"`
	RetryBaseSec         *int    `json:"retry_base_sec"`
	RetryCapSec          *int    `json:"retry_cap_sec"`
	ConcurrentDeliveries *int    `json:"concurrent_deliveries"`
	RateLimitPerSec      *int    `json:"rate_limit_per_sec"`
	DefaultTimeoutSec    *int    `json:"default_timeout_sec"`
	DLQRetentionDays     *int    `json:"dlq_retention_days"`
	LogRetentionDays     *int    `json:"log_retention_days"`
}

type systemSettingsResponse struct {
	*store.SystemSettings
	// RestartRequired lists changed settings that only take effect at boot.
	RestartRequired []string `json:"restart_required,omitempty"`
}

// updateSystemSettings is patch-style: only the fields present in the
// request change, everything else keeps its current value.
func (s *Server) updateSystemSettings(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[updateSystemSettingsParams](params)
	if err != nil {
		return nil, err
	}
	cur, err := s.store.GetSystemSettings(ctx)
	if err != nil {
		return nil, err
	}
	merged, restart := mergeSettings(cur, p)
	updated, err := s.store.UpdateSystemSettings(ctx, merged)
	if err != nil {
		return nil, err
	}
	return systemSettingsResponse{SystemSettings: updated, RestartRequired: restart}, nil
}

// mergeSettings overlays the supplied fields on the current settings. The
// worker pool is sized at boot, so a changed concurrent_deliveries is
// reported back as requiring a restart.
func mergeSettings(cur *store.SystemSettings, p updateSystemSettingsParams) (*store.SystemSettings, []string) {
	merged := *cur
	if p.RetryPolicy != nil {
		merged.RetryPolicy = *p.RetryPolicy
	}
	if p.RetryBaseSec != nil {
		merged.RetryBaseSec = *p.RetryBaseSec
	}
	if p.RetryCapSec != nil {
		merged.RetryCapSec = *p.RetryCapSec
	}
	if p.RateLimitPerSec != nil {
		merged.RateLimitPerSec = *p.RateLimitPerSec
	}
	if p.DefaultTimeoutSec != nil {
		merged.DefaultTimeoutSec = *p.DefaultTimeoutSec
	}
	if p.DLQRetentionDays != nil {
		merged.DLQRetentionDays = *p.DLQRetentionDays
	}
	if p.LogRetentionDays != nil {
		merged.LogRetentionDays = *p.LogRetentionDays
	}

	var restart []string
	if p.ConcurrentDeliveries != nil {
		if *p.ConcurrentDeliveries != cur.ConcurrentDeliveries {
			restart = append(restart, "concurrent_deliveries")
		}
		merged.ConcurrentDeliveries = *p.ConcurrentDeliveries
	}
	return &merged, restart
}

type connectionStatus struct {
	Store string `json:"store"`
	Queue string `json:"queue"`
	Blobs string `json:"blobs"`
}

// testSystemConnection probes each dependency and reports per-component
// reachability; a failing component does not fail the procedure.
func (s *Server) testSystemConnection(ctx context.Context, _ json.RawMessage) (any, error) {
	status := connectionStatus{Store: "ok", Queue: "ok", Blobs: "ok"}

	if err := s.store.Ping(ctx); err != nil {
		status.Store = err.Error()
	}
	if err := s.q.Ping(ctx); err != nil {
		status.Queue = err.Error()
	}
	if err := s.blobs.Ping(ctx); err != nil {
		status.Blobs = err.Error()
	}
	return status, nil
}
