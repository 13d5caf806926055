package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/jackc/pgx/v5"
)

// SystemSettings is the operator-tunable runtime configuration, persisted
// as a single row. Environment config provides the boot defaults. Workers
// read the retry and rate-limit knobs live per message; ConcurrentDeliveries
// sizes the pool at boot and applies on restart.
type SystemSettings struct {
	RetryPolicy          string    `json:"retry_policy"`
	RetryBaseSec         int       `json:"retry_base_sec"`
	RetryCapSec          int       `json:"retry_cap_sec"`
	ConcurrentDeliveries int       `json:"concurrent_deliveries"`
	RateLimitPerSec      int       `json:"rate_limit_per_sec"`
	DefaultTimeoutSec    int       `json:"default_timeout_sec"`
	DLQRetentionDays     int       `json:"dlq_retention_days"`
	LogRetentionDays     int       `json:"log_retention_days"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Validate rejects out-of-range settings before they reach the worker pool.
func (s *SystemSettings) Validate() error {
	switch s.RetryPolicy {
	case "exponential", "linear", "constant":
	default:
		return domain.Validationf("retry_policy must be exponential, linear or constant")
	}
	if s.RetryBaseSec < 1 || s.RetryCapSec < s.RetryBaseSec {
		return domain.Validationf("retry backoff bounds invalid")
	}
	if s.ConcurrentDeliveries < 1 || s.ConcurrentDeliveries > 1000 {
		return domain.Validationf("concurrent_deliveries must be in [1, 1000]")
	}
	if s.RateLimitPerSec < 0 {
		return domain.Validationf("rate_limit_per_sec must be >= 0")
	}
	if s.DefaultTimeoutSec < domain.MinTimeoutSec || s.DefaultTimeoutSec > domain.MaxTimeoutSec {
		return domain.Validationf("default_timeout_sec must be in [%d, %d]", domain.MinTimeoutSec, domain.MaxTimeoutSec)
	}
	if s.DLQRetentionDays < 1 || s.LogRetentionDays < 1 {
		return domain.Validationf("retention days must be >= 1")
	}
	return nil
}

// GetSystemSettings returns the stored settings, or defaults when the row
// has never been written.
func (s *PostgresStore) GetSystemSettings(ctx context.Context) (*SystemSettings, error) {
	var set SystemSettings
	err := s.pool.QueryRow(ctx, `
		SELECT retry_policy, retry_base_sec, retry_cap_sec, concurrent_deliveries,
		       rate_limit_per_sec, default_timeout_sec, dlq_retention_days, log_retention_days, updated_at
		FROM system_settings WHERE id = 1
	`).Scan(
		&set.RetryPolicy, &set.RetryBaseSec, &set.RetryCapSec, &set.ConcurrentDeliveries,
		&set.RateLimitPerSec, &set.DefaultTimeoutSec, &set.DLQRetentionDays, &set.LogRetentionDays, &set.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultSystemSettings(), nil
		}
		return nil, fmt.Errorf("querying system settings: %w", err)
	}
	return &set, nil
}

// UpdateSystemSettings validates and upserts the settings row.
func (s *PostgresStore) UpdateSystemSettings(ctx context.Context, set *SystemSettings) (*SystemSettings, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO system_settings (id, retry_policy, retry_base_sec, retry_cap_sec, concurrent_deliveries,
		                             rate_limit_per_sec, default_timeout_sec, dlq_retention_days, log_retention_days, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			retry_policy = EXCLUDED.retry_policy,
			retry_base_sec = EXCLUDED.retry_base_sec,
			retry_cap_sec = EXCLUDED.retry_cap_sec,
			concurrent_deliveries = EXCLUDED.concurrent_deliveries,
			rate_limit_per_sec = EXCLUDED.rate_limit_per_sec,
			default_timeout_sec = EXCLUDED.default_timeout_sec,
			dlq_retention_days = EXCLUDED.dlq_retention_days,
			log_retention_days = EXCLUDED.log_retention_days,
			updated_at = NOW()
		RETURNING updated_at
	`, set.RetryPolicy, set.RetryBaseSec, set.RetryCapSec, set.ConcurrentDeliveries,
		set.RateLimitPerSec, set.DefaultTimeoutSec, set.DLQRetentionDays, set.LogRetentionDays,
	).Scan(&set.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting system settings: %w", err)
	}
	return set, nil
}

// DefaultSystemSettings is what a fresh install runs with until an
// operator writes the settings row.
func DefaultSystemSettings() *SystemSettings {
	return &SystemSettings{
		RetryPolicy:          "exponential",
		RetryBaseSec:         30,
		RetryCapSec:          900,
		ConcurrentDeliveries: 10,
		RateLimitPerSec:      0,
		DefaultTimeoutSec:    domain.DefaultTimeoutSec,
		DLQRetentionDays:     14,
		LogRetentionDays:     30,
	}
}
