package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `endpoint_id, delivery_id, status, timestamp_ms, attempt, dest_url,
	request_headers, request_body, response_status, response_headers, response_body,
	duration_ms, error, retry_at, archived, status_reason, created_at, updated_at`

func scanDelivery(row pgx.Row) (*domain.DeliveryRecord, error) {
	var r domain.DeliveryRecord
	err := row.Scan(
		&r.EndpointID, &r.DeliveryID, &r.Status, &r.Timestamp, &r.Attempt, &r.DestURL,
		&r.RequestHeaders, &r.RequestBody, &r.ResponseStatus, &r.ResponseHeaders, &r.ResponseBody,
		&r.DurationMs, &r.Error, &r.RetryAt, &r.Archived, &r.StatusReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PutDelivery inserts the initial record for an accepted delivery. Full
// writes happen only at creation; everything later goes through
// UpdateDelivery.
func (s *PostgresStore) PutDelivery(ctx context.Context, r *domain.DeliveryRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (endpoint_id, delivery_id, status, timestamp_ms, attempt, dest_url, request_headers, request_body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.EndpointID, r.DeliveryID, string(r.Status), r.Timestamp, r.Attempt, r.DestURL, r.RequestHeaders, r.RequestBody)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// GetDelivery returns the record or domain.ErrNotFound.
func (s *PostgresStore) GetDelivery(ctx context.Context, key domain.DeliveryKey) (*domain.DeliveryRecord, error) {
	r, err := scanDelivery(s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE endpoint_id = $1 AND delivery_id = $2
	`, key.EndpointID, key.DeliveryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return r, nil
}

// DeliveryPatch is a partial update to a delivery record; nil fields are
// untouched.
type DeliveryPatch struct {
	Status          *domain.DeliveryStatus
	Attempt         *int
	DestURL         *string
	ResponseStatus  *int
	ResponseHeaders map[string]string
	ResponseBody    *string
	DurationMs      *int
	Error           *string
	RetryAt         *time.Time
	ClearRetryAt    bool
	Archived        *bool
	StatusReason    *string
}

// UpdateDelivery applies a patch. When expectStatus is non-empty the write
// is conditional on the current status matching; a mismatch (or missing
// row) returns domain.ErrConflict. This is how worker and operator avoid
// lost updates.
func (s *PostgresStore) UpdateDelivery(ctx context.Context, key domain.DeliveryKey, patch DeliveryPatch, expectStatus domain.DeliveryStatus) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{key.EndpointID, key.DeliveryID}
	idx := 3

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Attempt != nil {
		add("attempt", *patch.Attempt)
	}
	if patch.DestURL != nil {
		add("dest_url", *patch.DestURL)
	}
	if patch.ResponseStatus != nil {
		add("response_status", *patch.ResponseStatus)
	}
	if patch.ResponseHeaders != nil {
		add("response_headers", patch.ResponseHeaders)
	}
	if patch.ResponseBody != nil {
		add("response_body", *patch.ResponseBody)
	}
	if patch.DurationMs != nil {
		add("duration_ms", *patch.DurationMs)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.RetryAt != nil {
		add("retry_at", *patch.RetryAt)
	} else if patch.ClearRetryAt {
		sets = append(sets, "retry_at = NULL")
	}
	if patch.Archived != nil {
		add("archived", *patch.Archived)
	}
	if patch.StatusReason != nil {
		add("status_reason", *patch.StatusReason)
	}

	query := fmt.Sprintf("UPDATE deliveries SET %s WHERE endpoint_id = $1 AND delivery_id = $2", strings.Join(sets, ", "))
	if expectStatus != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(expectStatus))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if expectStatus != "" {
			return fmt.Errorf("delivery %s not in status %s: %w", key, expectStatus, domain.ErrConflict)
		}
		return fmt.Errorf("delivery %s: %w", key, domain.ErrNotFound)
	}
	return nil
}

// deliveryCursor is the continuation token for paginated scans. It is
// serialized to base64 JSON so it stays opaque to callers and stable across
// process restarts (pure keyset pagination, no server state).
type deliveryCursor struct {
	TimestampMs int64  `json:"t,omitempty"`
	EndpointID  string `json:"e,omitempty"`
	DeliveryID  string `json:"d"`
}

func encodeCursor(c deliveryCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (deliveryCursor, error) {
	var c deliveryCursor
	if s == "" {
		return c, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, domain.Validationf("malformed cursor")
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, domain.Validationf("malformed cursor")
	}
	return c, nil
}

// buildFilterSQL renders the closed predicate set as conjunctive WHERE
// clauses. startIdx is the first free placeholder index; it returns the
// clauses, the bound args, and the next free index.
func buildFilterSQL(f domain.DeliveryFilter, startIdx int) ([]string, []any, int) {
	var conds []string
	var args []any
	idx := startIdx

	bind := func(cond string, vals ...any) {
		placeholders := make([]any, len(vals))
		for i := range vals {
			placeholders[i] = fmt.Sprintf("$%d", idx)
			args = append(args, vals[i])
			idx++
		}
		conds = append(conds, fmt.Sprintf(cond, placeholders...))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		bind("status = ANY(%s)", statuses)
	}
	if tr := f.TimeRange; tr != nil {
		if tr.FromMs > 0 {
			bind("timestamp_ms >= %s", tr.FromMs)
		}
		if tr.ToMs > 0 {
			bind("timestamp_ms <= %s", tr.ToMs)
		}
	}
	if len(f.ResponseCodes) > 0 || len(f.ResponseCodeRanges) > 0 {
		var codeConds []string
		if len(f.ResponseCodes) > 0 {
			codeConds = append(codeConds, fmt.Sprintf("response_status = ANY($%d)", idx))
			args = append(args, f.ResponseCodes)
			idx++
		}
		for _, r := range f.ResponseCodeRanges {
			codeConds = append(codeConds, fmt.Sprintf("response_status BETWEEN $%d AND $%d", idx, idx+1))
			args = append(args, r.From, r.To)
			idx += 2
		}
		conds = append(conds, "("+strings.Join(codeConds, " OR ")+")")
	}
	if d := f.Duration; d != nil {
		if d.Min != nil {
			bind("duration_ms >= %s", *d.Min)
		}
		if d.Max != nil {
			bind("duration_ms <= %s", *d.Max)
		}
	}
	if a := f.Attempts; a != nil {
		if a.Min != nil {
			bind("attempt >= %s", *a.Min)
		}
		if a.Max != nil {
			bind("attempt <= %s", *a.Max)
		}
	}
	if f.HasError != nil {
		if *f.HasError {
			conds = append(conds, "error <> ''")
		} else {
			conds = append(conds, "error = ''")
		}
	}
	if f.Search != "" {
		conds = append(conds, fmt.Sprintf("(delivery_id ILIKE $%d OR endpoint_id ILIKE $%d)", idx, idx))
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	if !f.IncludeArchived {
		conds = append(conds, "archived = false")
	}

	return conds, args, idx
}

// DeliveryPage is one page of a filtered scan with its continuation cursor.
type DeliveryPage struct {
	Records []domain.DeliveryRecord `json:"records"`
	Cursor  string                  `json:"cursor,omitempty"`
}

// QueryByEndpoint scans one endpoint's deliveries descending by delivery_id
// (newest first, since ids are time-prefixed).
func (s *PostgresStore) QueryByEndpoint(ctx context.Context, endpointID string, f domain.DeliveryFilter, limit int, cursor string) (*DeliveryPage, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	cur, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	conds := []string{"endpoint_id = $1"}
	args := []any{endpointID}
	idx := 2
	if cur.DeliveryID != "" {
		conds = append(conds, fmt.Sprintf("delivery_id < $%d", idx))
		args = append(args, cur.DeliveryID)
		idx++
	}
	fConds, fArgs, idx := buildFilterSQL(f, idx)
	conds = append(conds, fConds...)
	args = append(args, fArgs...)

	query := fmt.Sprintf(`SELECT %s FROM deliveries WHERE %s ORDER BY delivery_id DESC LIMIT $%d`,
		deliveryColumns, strings.Join(conds, " AND "), idx)
	args = append(args, limit+1)

	return s.queryDeliveryPage(ctx, query, args, limit, func(last *domain.DeliveryRecord) string {
		return encodeCursor(deliveryCursor{DeliveryID: last.DeliveryID})
	})
}

// ScanAll scans every endpoint's deliveries descending by ingest timestamp,
// delivery_id as the tiebreak.
func (s *PostgresStore) ScanAll(ctx context.Context, f domain.DeliveryFilter, limit int, cursor string) (*DeliveryPage, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	cur, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	idx := 1
	if cur.DeliveryID != "" {
		conds = append(conds, fmt.Sprintf("(timestamp_ms, delivery_id) < ($%d, $%d)", idx, idx+1))
		args = append(args, cur.TimestampMs, cur.DeliveryID)
		idx += 2
	}
	fConds, fArgs, idx := buildFilterSQL(f, idx)
	conds = append(conds, fConds...)
	args = append(args, fArgs...)

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM deliveries%s ORDER BY timestamp_ms DESC, delivery_id DESC LIMIT $%d`,
		deliveryColumns, where, idx)
	args = append(args, limit+1)

	return s.queryDeliveryPage(ctx, query, args, limit, func(last *domain.DeliveryRecord) string {
		return encodeCursor(deliveryCursor{TimestampMs: last.Timestamp, DeliveryID: last.DeliveryID})
	})
}

func (s *PostgresStore) queryDeliveryPage(ctx context.Context, query string, args []any, limit int, nextCursor func(*domain.DeliveryRecord) string) (*DeliveryPage, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	records := []domain.DeliveryRecord{}
	for rows.Next() {
		r, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading deliveries: %w", err)
	}

	page := &DeliveryPage{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.Cursor = nextCursor(&page.Records[limit-1])
	}
	return page, nil
}

// DeleteDeliveries removes records in bulk.
func (s *PostgresStore) DeleteDeliveries(ctx context.Context, keys []domain.DeliveryKey) (int, error) {
	deleted := 0
	for _, k := range keys {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM deliveries WHERE endpoint_id = $1 AND delivery_id = $2`,
			k.EndpointID, k.DeliveryID)
		if err != nil {
			return deleted, fmt.Errorf("deleting delivery %s: %w", k, err)
		}
		deleted += int(tag.RowsAffected())
	}
	return deleted, nil
}

// ArchiveDeliveries flags records archived; they drop out of default scans.
func (s *PostgresStore) ArchiveDeliveries(ctx context.Context, keys []domain.DeliveryKey) (int, error) {
	archived := 0
	t := true
	for _, k := range keys {
		if err := s.UpdateDelivery(ctx, k, DeliveryPatch{Archived: &t}, ""); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// SetDeliveriesStatus is the operator bulk status override, with an
// optional audit reason.
func (s *PostgresStore) SetDeliveriesStatus(ctx context.Context, keys []domain.DeliveryKey, status domain.DeliveryStatus, reason string) (int, error) {
	updated := 0
	for _, k := range keys {
		patch := DeliveryPatch{Status: &status}
		if reason != "" {
			patch.StatusReason = &reason
		}
		if err := s.UpdateDelivery(ctx, k, patch, ""); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return updated, err
		}
		updated++
	}
	return updated, nil
}
