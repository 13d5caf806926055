package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
)

// DeliveryStats is the aggregate rollup behind the operator stats procedure.
type DeliveryStats struct {
	TotalDeliveries int     `json:"total_deliveries"`
	SuccessCount    int     `json:"success_count"`
	FailedCount     int     `json:"failed_count"`
	PendingCount    int     `json:"pending_count"`
	RetryingCount   int     `json:"retrying_count"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
}

// GetDeliveryStats aggregates delivery counts, optionally bounded to
// records ingested at or after sinceMs (0 means all time).
func (s *PostgresStore) GetDeliveryStats(ctx context.Context, sinceMs int64) (*DeliveryStats, error) {
	var st DeliveryStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'retrying'),
			COALESCE(AVG(duration_ms) FILTER (WHERE duration_ms > 0), 0)
		FROM deliveries
		WHERE timestamp_ms >= $1
	`, sinceMs).Scan(
		&st.TotalDeliveries, &st.SuccessCount, &st.FailedCount,
		&st.PendingCount, &st.RetryingCount, &st.AvgDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying delivery stats: %w", err)
	}

	terminal := st.SuccessCount + st.FailedCount
	if terminal > 0 {
		st.SuccessRate = float64(st.SuccessCount) / float64(terminal) * 100
	}
	return &st, nil
}

// TimeBucket is one point of a time-bucketed delivery series.
type TimeBucket struct {
	Bucket  time.Time `json:"bucket"`
	Total   int       `json:"total"`
	Success int       `json:"success"`
	Failed  int       `json:"failed"`
}

// EndpointPerformance summarizes one endpoint over the analytics window.
type EndpointPerformance struct {
	EndpointID    string  `json:"endpoint_id"`
	Total         int     `json:"total"`
	Success       int     `json:"success"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// CodeCount is one slice of the response-code distribution.
type CodeCount struct {
	ResponseStatus int `json:"response_status"`
	Count          int `json:"count"`
}

// Analytics is the full analytics payload for a time range.
type Analytics struct {
	Series       []TimeBucket          `json:"series"`
	Endpoints    []EndpointPerformance `json:"endpoints"`
	Distribution []CodeCount           `json:"distribution"`
}

// analyticsBucket picks the series granularity for a window length.
func analyticsBucket(window time.Duration) string {
	switch {
	case window <= time.Hour:
		return "minute"
	case window <= 24*time.Hour:
		return "hour"
	default:
		return "day"
	}
}

// GetAnalytics builds the time-bucketed series, per-endpoint performance
// and response-code distribution for the window ending now. endpointID
// narrows the rollup to one endpoint when non-empty.
func (s *PostgresStore) GetAnalytics(ctx context.Context, window time.Duration, endpointID string) (*Analytics, error) {
	sinceMs := time.Now().Add(-window).UnixMilli()
	bucket := analyticsBucket(window)

	epCond := ""
	args := []any{sinceMs}
	if endpointID != "" {
		epCond = " AND endpoint_id = $2"
		args = append(args, endpointID)
	}

	out := &Analytics{Series: []TimeBucket{}, Endpoints: []EndpointPerformance{}, Distribution: []CodeCount{}}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT date_trunc('%s', to_timestamp(timestamp_ms / 1000.0)) AS bucket,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM deliveries
		WHERE timestamp_ms >= $1%s
		GROUP BY bucket ORDER BY bucket
	`, bucket, epCond), args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery series: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b TimeBucket
		if err := rows.Scan(&b.Bucket, &b.Total, &b.Success, &b.Failed); err != nil {
			return nil, fmt.Errorf("scanning series bucket: %w", err)
		}
		out.Series = append(out.Series, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading series: %w", err)
	}

	rows, err = s.pool.Query(ctx, fmt.Sprintf(`
		SELECT endpoint_id,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(AVG(duration_ms) FILTER (WHERE duration_ms > 0), 0)
		FROM deliveries
		WHERE timestamp_ms >= $1%s
		GROUP BY endpoint_id ORDER BY COUNT(*) DESC
	`, epCond), args...)
	if err != nil {
		return nil, fmt.Errorf("querying endpoint performance: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p EndpointPerformance
		if err := rows.Scan(&p.EndpointID, &p.Total, &p.Success, &p.Failed, &p.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("scanning endpoint performance: %w", err)
		}
		if terminal := p.Success + p.Failed; terminal > 0 {
			p.SuccessRate = float64(p.Success) / float64(terminal) * 100
		}
		out.Endpoints = append(out.Endpoints, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading endpoint performance: %w", err)
	}

	rows, err = s.pool.Query(ctx, fmt.Sprintf(`
		SELECT response_status, COUNT(*)
		FROM deliveries
		WHERE timestamp_ms >= $1 AND response_status IS NOT NULL%s
		GROUP BY response_status ORDER BY response_status
	`, epCond), args...)
	if err != nil {
		return nil, fmt.Errorf("querying code distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c CodeCount
		if err := rows.Scan(&c.ResponseStatus, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning code distribution: %w", err)
		}
		out.Distribution = append(out.Distribution, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading code distribution: %w", err)
	}

	return out, nil
}

// FailureRate returns the failed share of terminal deliveries ingested in
// the window; the health-alert bands are computed from it.
func (s *PostgresStore) FailureRate(ctx context.Context, window time.Duration) (failed, total int, err error) {
	sinceMs := time.Now().Add(-window).UnixMilli()
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'failed'), COUNT(*)
		FROM deliveries
		WHERE timestamp_ms >= $1 AND status IN ($2, $3)
	`, sinceMs, string(domain.StatusSuccess), string(domain.StatusFailed)).Scan(&failed, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("querying failure rate: %w", err)
	}
	return failed, total, nil
}
