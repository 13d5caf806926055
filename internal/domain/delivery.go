package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the lifecycle state of a delivery record.
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusRetrying DeliveryStatus = "retrying"
	StatusSuccess  DeliveryStatus = "success"
	StatusFailed   DeliveryStatus = "failed"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further attempts will mutate the record.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// DeliveryKey identifies a delivery record.
type DeliveryKey struct {
	EndpointID string `json:"endpoint_id"`
	DeliveryID string `json:"delivery_id"`
}

func (k DeliveryKey) String() string {
	return k.EndpointID + "/" + k.DeliveryID
}

// DeliveryRecord is one accepted inbound event and the state of its latest
// attempt. Response capture is truncated by the worker before persisting.
type DeliveryRecord struct {
	EndpointID      string            `json:"endpoint_id"`
	DeliveryID      string            `json:"delivery_id"`
	Status          DeliveryStatus    `json:"status"`
	Timestamp       int64             `json:"timestamp"` // ingest time, epoch ms
	Attempt         int               `json:"attempt"`
	DestURL         string            `json:"dest_url,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     string            `json:"request_body,omitempty"`
	ResponseStatus  *int              `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	DurationMs      *int              `json:"duration_ms,omitempty"`
	Error           string            `json:"error,omitempty"`
	RetryAt         *time.Time        `json:"retry_at,omitempty"`
	Archived        bool              `json:"archived,omitempty"`
	StatusReason    string            `json:"status_reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Key returns the composite identity of the record.
func (r *DeliveryRecord) Key() DeliveryKey {
	return DeliveryKey{EndpointID: r.EndpointID, DeliveryID: r.DeliveryID}
}

// NewDeliveryID mints a delivery id that sorts by creation time: a
// zero-padded millisecond prefix followed by a random uuid suffix. A
// lexicographic descending scan therefore yields newest-first.
func NewDeliveryID(now time.Time) string {
	return fmt.Sprintf("%013d-%s", now.UnixMilli(), strings.ReplaceAll(uuid.New().String(), "-", ""))
}
