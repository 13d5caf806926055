package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const endpointColumns = `endpoint_id, dest_url, hmac_mode, secret, timeout_sec, max_retries, is_active, description, created_at, updated_at`

func scanEndpoint(row pgx.Row) (*domain.Endpoint, error) {
	var ep domain.Endpoint
	err := row.Scan(
		&ep.ID, &ep.DestURL, &ep.HMACMode, &ep.Secret, &ep.TimeoutSec,
		&ep.MaxRetries, &ep.IsActive, &ep.Description, &ep.CreatedAt, &ep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

// CreateEndpoint registers a new endpoint. Returns domain.ErrAlreadyExists
// when the id is taken.
func (s *PostgresStore) CreateEndpoint(ctx context.Context, req domain.CreateEndpointRequest) (*domain.Endpoint, error) {
	ep := domain.Endpoint{
		ID:          req.EndpointID,
		DestURL:     req.DestURL,
		HMACMode:    req.HMACMode,
		Secret:      req.Secret,
		TimeoutSec:  domain.DefaultTimeoutSec,
		MaxRetries:  domain.DefaultMaxRetries,
		IsActive:    true,
		Description: req.Description,
	}
	if ep.HMACMode == "" {
		ep.HMACMode = domain.HMACModeNone
	}
	if req.TimeoutSec != nil {
		ep.TimeoutSec = *req.TimeoutSec
	}
	if req.MaxRetries != nil {
		ep.MaxRetries = *req.MaxRetries
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO endpoints (endpoint_id, dest_url, hmac_mode, secret, timeout_sec, max_retries, is_active, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+endpointColumns,
		ep.ID, ep.DestURL, string(ep.HMACMode), ep.Secret, ep.TimeoutSec, ep.MaxRetries, ep.IsActive, ep.Description,
	)
	created, err := scanEndpoint(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("endpoint %s: %w", ep.ID, domain.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("inserting endpoint: %w", err)
	}
	return created, nil
}

// GetEndpoint returns the endpoint or domain.ErrNotFound.
func (s *PostgresStore) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	ep, err := scanEndpoint(s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE endpoint_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("endpoint %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying endpoint: %w", err)
	}
	return ep, nil
}

// ListEndpoints returns all endpoints, newest first.
func (s *PostgresStore) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+endpointColumns+` FROM endpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying endpoints: %w", err)
	}
	defer rows.Close()

	endpoints := []domain.Endpoint{}
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning endpoint: %w", err)
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

// UpdateEndpoint applies a partial update. An empty patch is rejected; a
// missing endpoint returns domain.ErrNotFound. The updated row must still
// satisfy the endpoint invariants.
func (s *PostgresStore) UpdateEndpoint(ctx context.Context, id string, req domain.UpdateEndpointRequest) (*domain.Endpoint, error) {
	if req.Empty() {
		return nil, domain.Validationf("update carries no fields")
	}

	current, err := s.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if req.DestURL != nil {
		next.DestURL = *req.DestURL
	}
	if req.HMACMode != nil {
		next.HMACMode = *req.HMACMode
	}
	if req.Secret != nil {
		next.Secret = *req.Secret
	}
	if req.TimeoutSec != nil {
		next.TimeoutSec = *req.TimeoutSec
	}
	if req.MaxRetries != nil {
		next.MaxRetries = *req.MaxRetries
	}
	if req.IsActive != nil {
		next.IsActive = *req.IsActive
	}
	if req.Description != nil {
		next.Description = *req.Description
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE endpoints
		SET dest_url = $2, hmac_mode = $3, secret = $4, timeout_sec = $5,
		    max_retries = $6, is_active = $7, description = $8, updated_at = NOW()
		WHERE endpoint_id = $1
		RETURNING `+endpointColumns,
		id, next.DestURL, string(next.HMACMode), next.Secret, next.TimeoutSec,
		next.MaxRetries, next.IsActive, next.Description,
	)
	updated, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("endpoint %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("updating endpoint: %w", err)
	}
	return updated, nil
}

// DeleteEndpoint removes the config. Existing delivery records are kept;
// new ingest stops because the gateway lookup fails.
func (s *PostgresStore) DeleteEndpoint(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM endpoints WHERE endpoint_id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RotateSecret atomically replaces the endpoint secret with 32 fresh random
// bytes, hex-encoded. The prior secret is not recoverable.
func (s *PostgresStore) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE endpoints SET secret = $2, updated_at = NOW() WHERE endpoint_id = $1
	`, id, secret)
	if err != nil {
		return "", fmt.Errorf("rotating secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("endpoint %s: %w", id, domain.ErrNotFound)
	}
	return secret, nil
}

// CountActiveEndpoints feeds the operator stats rollup.
func (s *PostgresStore) CountActiveEndpoints(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM endpoints WHERE is_active = true`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting endpoints: %w", err)
	}
	return n, nil
}

// GenerateSecret returns 32 cryptographically random bytes, hex-encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
