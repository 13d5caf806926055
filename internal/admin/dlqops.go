package admin

import (
	"context"
	"encoding/json"

	"github.com/hookrelay/hookrelay/internal/dlq"
	"github.com/hookrelay/hookrelay/internal/domain"
)

const maxDlqListLimit = 100

type listDlqParams struct {
	EndpointID string `json:"endpoint_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
}

func (s *Server) listDlq(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[listDlqParams](params)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(p.Limit, maxDlqListLimit)

	prefix := ""
	if p.EndpointID != "" {
		prefix = domain.DLQEndpointPrefix(p.EndpointID)
	}

	entries, cursor, err := s.blobs.List(ctx, prefix, limit, p.Cursor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": entries, "cursor": cursor}, nil
}

type dlqKeyParams struct {
	Key string `json:"key"`
}

// replayDlq produces a fresh delivery from a dead-lettered payload. The
// original blob and record are left untouched; the new record carries the
// originating key for correlation.
func (s *Server) replayDlq(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[dlqKeyParams](params)
	if err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, domain.Validationf("key is required")
	}

	item, err := s.blobs.Get(ctx, p.Key)
	if err != nil {
		return nil, err
	}

	now := s.now()
	deliveryID := domain.NewDeliveryID(now)

	record := &domain.DeliveryRecord{
		EndpointID:     item.EndpointID,
		DeliveryID:     deliveryID,
		Status:         domain.StatusPending,
		Timestamp:      now.UnixMilli(),
		Attempt:        0,
		RequestHeaders: item.OriginalHeaders,
		RequestBody:    item.OriginalPayload,
	}
	if err := s.store.PutDelivery(ctx, record); err != nil {
		return nil, err
	}

	msg := domain.QueueMessage{
		EndpointID:     item.EndpointID,
		DeliveryID:     deliveryID,
		RawBody:        item.OriginalPayload,
		Headers:        item.OriginalHeaders,
		ReceivedAt:     now.UnixMilli(),
		Attempt:        0,
		DLQReplay:      true,
		OriginalDLQKey: p.Key,
	}
	if err := s.q.Enqueue(ctx, msg, 0); err != nil {
		return nil, err
	}

	return map[string]string{"delivery_id": deliveryID, "endpoint_id": item.EndpointID}, nil
}

func (s *Server) deleteDlq(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[dlqKeyParams](params)
	if err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, domain.Validationf("key is required")
	}
	if err := s.blobs.Delete(ctx, p.Key); err != nil {
		return nil, err
	}
	return map[string]string{"key": p.Key, "status": "deleted"}, nil
}

type bulkDeleteDlqParams struct {
	Keys []string `json:"keys"`
}

func (s *Server) bulkDeleteDlq(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[bulkDeleteDlqParams](params)
	if err != nil {
		return nil, err
	}
	if len(p.Keys) == 0 {
		return nil, domain.Validationf("keys is empty")
	}
	if len(p.Keys) > dlq.MaxBulkDelete {
		return nil, domain.Validationf("at most %d keys per bulk call", dlq.MaxBulkDelete)
	}
	n, err := s.blobs.DeleteBatch(ctx, p.Keys)
	if err != nil {
		return nil, err
	}
	return bulkResult{Processed: n, Skipped: len(p.Keys) - n}, nil
}
