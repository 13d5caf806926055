package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/store"
)

// Bulk and page limits on the delivery procedures.
const (
	maxRecentLimit   = 50
	maxFilteredLimit = 100
	maxBulkItems     = 50
)

type listRecentParams struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Server) listRecent(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[listRecentParams](params)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(p.Limit, maxRecentLimit)

	page, err := s.store.ScanAll(ctx, domain.DeliveryFilter{}, limit, "")
	if err != nil {
		return nil, err
	}
	return page, nil
}

type listFilteredParams struct {
	EndpointID string                `json:"endpoint_id,omitempty"`
	Filter     domain.DeliveryFilter `json:"filter,omitempty"`
	Limit      int                   `json:"limit,omitempty"`
	Cursor     string                `json:"cursor,omitempty"`
}

func (s *Server) listFiltered(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[listFilteredParams](params)
	if err != nil {
		return nil, err
	}
	if err := p.Filter.Validate(); err != nil {
		return nil, err
	}
	limit := clampLimit(p.Limit, maxFilteredLimit)

	var page *store.DeliveryPage
	if p.EndpointID != "" {
		page, err = s.store.QueryByEndpoint(ctx, p.EndpointID, p.Filter, limit, p.Cursor)
	} else {
		page, err = s.store.ScanAll(ctx, p.Filter, limit, p.Cursor)
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}

type deliveryKeyParams struct {
	EndpointID string `json:"endpoint_id"`
	DeliveryID string `json:"delivery_id"`
}

func (p deliveryKeyParams) key() domain.DeliveryKey {
	return domain.DeliveryKey{EndpointID: p.EndpointID, DeliveryID: p.DeliveryID}
}

// retryDelivery re-enqueues a failed delivery. The record flips to
// retrying conditionally; a record in any other state conflicts.
func (s *Server) retryDelivery(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[deliveryKeyParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.enqueueManualRetry(ctx, p.key()); err != nil {
		return nil, err
	}
	return map[string]string{"endpoint_id": p.EndpointID, "delivery_id": p.DeliveryID, "status": "retrying"}, nil
}

func (s *Server) enqueueManualRetry(ctx context.Context, key domain.DeliveryKey) error {
	record, err := s.store.GetDelivery(ctx, key)
	if err != nil {
		return err
	}
	if record.Status != domain.StatusFailed {
		return fmt.Errorf("delivery %s has status %s, only failed deliveries can be retried: %w",
			key, record.Status, domain.ErrConflict)
	}

	retrying := domain.StatusRetrying
	if err := s.store.UpdateDelivery(ctx, key, store.DeliveryPatch{
		Status:       &retrying,
		ClearRetryAt: true,
	}, domain.StatusFailed); err != nil {
		return err
	}

	msg := domain.QueueMessage{
		EndpointID:         key.EndpointID,
		DeliveryID:         key.DeliveryID,
		RawBody:            record.RequestBody,
		Headers:            record.RequestHeaders,
		ReceivedAt:         record.Timestamp,
		Attempt:            0,
		ManualRetry:        true,
		OriginalDeliveryID: key.DeliveryID,
	}
	return s.q.Enqueue(ctx, msg, 0)
}

type bulkKeysParams struct {
	Items []deliveryKeyParams `json:"items"`
}

func (p bulkKeysParams) keys() []domain.DeliveryKey {
	keys := make([]domain.DeliveryKey, len(p.Items))
	for i, it := range p.Items {
		keys[i] = it.key()
	}
	return keys
}

type bulkResult struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

func (s *Server) bulkRetry(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[bulkKeysParams](params)
	if err != nil {
		return nil, err
	}
	if len(p.Items) == 0 {
		return nil, domain.Validationf("items is empty")
	}
	if len(p.Items) > maxBulkItems {
		return nil, domain.Validationf("at most %d items per bulk call", maxBulkItems)
	}

	res := bulkResult{}
	for _, it := range p.Items {
		err := s.enqueueManualRetry(ctx, it.key())
		switch {
		case err == nil:
			res.Processed++
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict):
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", it.key(), err))
		default:
			return nil, err
		}
	}
	return res, nil
}

func (s *Server) bulkDelete(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[bulkKeysParams](params)
	if err != nil {
		return nil, err
	}
	if len(p.Items) == 0 {
		return nil, domain.Validationf("items is empty")
	}
	n, err := s.store.DeleteDeliveries(ctx, p.keys())
	if err != nil {
		return nil, err
	}
	return bulkResult{Processed: n, Skipped: len(p.Items) - n}, nil
}

func (s *Server) bulkArchive(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[bulkKeysParams](params)
	if err != nil {
		return nil, err
	}
	if len(p.Items) == 0 {
		return nil, domain.Validationf("items is empty")
	}
	n, err := s.store.ArchiveDeliveries(ctx, p.keys())
	if err != nil {
		return nil, err
	}
	return bulkResult{Processed: n, Skipped: len(p.Items) - n}, nil
}

type bulkUpdateStatusParams struct {
	bulkKeysParams
	Status domain.DeliveryStatus `json:"status"`
	Reason string                `json:"reason,omitempty"`
}

func (s *Server) bulkUpdateStatus(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[bulkUpdateStatusParams](params)
	if err != nil {
		return nil, err
	}
	if len(p.Items) == 0 {
		return nil, domain.Validationf("items is empty")
	}
	if !p.Status.Valid() {
		return nil, domain.Validationf("unknown status %q", p.Status)
	}
	n, err := s.store.SetDeliveriesStatus(ctx, p.keys(), p.Status, p.Reason)
	if err != nil {
		return nil, err
	}
	return bulkResult{Processed: n, Skipped: len(p.Items) - n}, nil
}

func clampLimit(limit, ceiling int) int {
	if limit <= 0 || limit > ceiling {
		return ceiling
	}
	return limit
}
