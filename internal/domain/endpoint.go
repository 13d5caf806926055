package domain

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

// HMACMode selects the signing scheme a sender uses for an endpoint.
type HMACMode string

const (
	HMACModeNone    HMACMode = "none"
	HMACModeStripe  HMACMode = "stripe"
	HMACModeGitHub  HMACMode = "github"
	HMACModeGeneric HMACMode = "generic"
)

// Valid reports whether the mode is one of the known schemes.
func (m HMACMode) Valid() bool {
	switch m {
	case HMACModeNone, HMACModeStripe, HMACModeGitHub, HMACModeGeneric:
		return true
	}
	return false
}

var endpointIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const (
	MinTimeoutSec     = 1
	MaxTimeoutSec     = 300
	DefaultTimeoutSec = 30
	MaxMaxRetries     = 10
	DefaultMaxRetries = 3
)

// Endpoint is a tenant-configured destination: where to deliver, how the
// sender signs inbound requests, and the retry budget.
type Endpoint struct {
	ID          string    `json:"endpoint_id"`
	DestURL     string    `json:"dest_url"`
	HMACMode    HMACMode  `json:"hmac_mode"`
	Secret      string    `json:"secret,omitempty"`
	TimeoutSec  int       `json:"timeout_sec"`
	MaxRetries  int       `json:"max_retries"`
	IsActive    bool      `json:"is_active"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Timeout returns the per-attempt deadline for this endpoint.
func (e *Endpoint) Timeout() time.Duration {
	return time.Duration(e.TimeoutSec) * time.Second
}

// Validate enforces the endpoint invariants: URL-safe id, absolute HTTPS
// destination, ranges on timeout/retries, and mode != none implying a secret.
func (e *Endpoint) Validate() error {
	if !endpointIDPattern.MatchString(e.ID) {
		return Validationf("endpoint_id must match %s", endpointIDPattern.String())
	}
	if err := validateDestURL(e.DestURL); err != nil {
		return err
	}
	if !e.HMACMode.Valid() {
		return Validationf("hmac_mode must be one of none, stripe, github, generic")
	}
	if e.HMACMode != HMACModeNone && e.Secret == "" {
		return Validationf("secret is required when hmac_mode is %s", e.HMACMode)
	}
	if e.TimeoutSec < MinTimeoutSec || e.TimeoutSec > MaxTimeoutSec {
		return Validationf("timeout_sec must be in [%d, %d]", MinTimeoutSec, MaxTimeoutSec)
	}
	if e.MaxRetries < 0 || e.MaxRetries > MaxMaxRetries {
		return Validationf("max_retries must be in [0, %d]", MaxMaxRetries)
	}
	return nil
}

func validateDestURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Validationf("dest_url must be an absolute URL")
	}
	if !strings.EqualFold(u.Scheme, "https") && !strings.EqualFold(u.Scheme, "http") {
		return Validationf("dest_url scheme must be http(s)")
	}
	return nil
}

// CreateEndpointRequest is the operator input for registering an endpoint.
type CreateEndpointRequest struct {
	EndpointID  string   `json:"endpoint_id"`
	DestURL     string   `json:"dest_url"`
	HMACMode    HMACMode `json:"hmac_mode"`
	Secret      string   `json:"secret,omitempty"`
	TimeoutSec  *int     `json:"timeout_sec,omitempty"`
	MaxRetries  *int     `json:"max_retries,omitempty"`
	Description string   `json:"description,omitempty"`
}

// UpdateEndpointRequest is a partial update; nil fields are untouched.
type UpdateEndpointRequest struct {
	DestURL     *string   `json:"dest_url,omitempty"`
	HMACMode    *HMACMode `json:"hmac_mode,omitempty"`
	Secret      *string   `json:"secret,omitempty"`
	TimeoutSec  *int      `json:"timeout_sec,omitempty"`
	MaxRetries  *int      `json:"max_retries,omitempty"`
	IsActive    *bool     `json:"is_active,omitempty"`
	Description *string   `json:"description,omitempty"`
}

// Empty reports whether the update carries no fields at all.
func (r *UpdateEndpointRequest) Empty() bool {
	return r.DestURL == nil && r.HMACMode == nil && r.Secret == nil &&
		r.TimeoutSec == nil && r.MaxRetries == nil && r.IsActive == nil &&
		r.Description == nil
}
