package ingest

import (
	"github.com/hookrelay/hookrelay/internal/domain"
)

// DefaultMaxBodyMB bounds inbound payload size when unconfigured.
const DefaultMaxBodyMB = 2

// Validator enforces the payload rules at ingest. JSON well-formedness is
// deliberately not checked: webhooks legitimately send form-encoded or
// XML bodies.
type Validator struct {
	MaxBytes int64
}

func NewValidator(maxBodyMB int) *Validator {
	if maxBodyMB <= 0 {
		maxBodyMB = DefaultMaxBodyMB
	}
	return &Validator{MaxBytes: int64(maxBodyMB) << 20}
}

// Validate checks the fully read body against the declared Content-Length.
// contentLength is -1 when the request did not declare one.
func (v *Validator) Validate(body []byte, contentLength int64) error {
	if len(body) == 0 {
		return domain.Validationf("empty body")
	}
	if int64(len(body)) > v.MaxBytes {
		return domain.Validationf("body exceeds %d bytes", v.MaxBytes)
	}
	if contentLength >= 0 && contentLength != int64(len(body)) {
		return domain.Validationf("content-length %d does not match body size %d", contentLength, len(body))
	}
	return nil
}
