package admin

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/store"
)

const (
	defaultExportLimit = 1000
	maxExportLimit     = 10000
	exportPageSize     = 500
)

type exportParams struct {
	Format     string                `json:"format"` // csv or json
	EndpointID string                `json:"endpoint_id,omitempty"`
	Filter     domain.DeliveryFilter `json:"filter,omitempty"`
	Limit      int                   `json:"limit,omitempty"`
}

type exportResult struct {
	Format  string `json:"format"`
	Count   int    `json:"count"`
	Content string `json:"content"`
}

// exportDeliveries is a read-side formatter over filtered rows: it pages
// through the store and serializes what it finds.
func (s *Server) exportDeliveries(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[exportParams](params)
	if err != nil {
		return nil, err
	}
	if p.Format != "csv" && p.Format != "json" {
		return nil, domain.Validationf("format must be csv or json")
	}
	if err := p.Filter.Validate(); err != nil {
		return nil, err
	}
	limit := clampLimit(p.Limit, maxExportLimit)
	if p.Limit <= 0 {
		limit = defaultExportLimit
	}

	records, err := s.collectDeliveries(ctx, p.EndpointID, p.Filter, limit)
	if err != nil {
		return nil, err
	}

	var content string
	if p.Format == "csv" {
		content, err = formatDeliveriesCSV(records)
	} else {
		content, err = formatDeliveriesJSON(records)
	}
	if err != nil {
		return nil, err
	}
	return exportResult{Format: p.Format, Count: len(records), Content: content}, nil
}

func (s *Server) collectDeliveries(ctx context.Context, endpointID string, f domain.DeliveryFilter, limit int) ([]domain.DeliveryRecord, error) {
	var out []domain.DeliveryRecord
	cursor := ""
	for len(out) < limit {
		size := exportPageSize
		if remaining := limit - len(out); remaining < size {
			size = remaining
		}

		var page *store.DeliveryPage
		var err error
		if endpointID != "" {
			page, err = s.store.QueryByEndpoint(ctx, endpointID, f, size, cursor)
		} else {
			page, err = s.store.ScanAll(ctx, f, size, cursor)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	return out, nil
}

var exportColumns = []string{
	"endpoint_id", "delivery_id", "status", "timestamp", "attempt",
	"dest_url", "response_status", "duration_ms", "error", "archived",
}

func formatDeliveriesCSV(records []domain.DeliveryRecord) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	if err := w.Write(exportColumns); err != nil {
		return "", err
	}
	for _, r := range records {
		row := []string{
			r.EndpointID,
			r.DeliveryID,
			string(r.Status),
			time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339),
			strconv.Itoa(r.Attempt),
			r.DestURL,
			formatOptionalInt(r.ResponseStatus),
			formatOptionalInt(r.DurationMs),
			r.Error,
			strconv.FormatBool(r.Archived),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return sb.String(), w.Error()
}

func formatDeliveriesJSON(records []domain.DeliveryRecord) (string, error) {
	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func formatOptionalInt(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}
