package sigverify

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
)

// Header names recognized by the verifier.
const (
	HeaderStripeSignature = "Stripe-Signature"
	HeaderGitHubSignature = "X-Hub-Signature-256"
	HeaderSignature       = "X-Signature"
	HeaderTimestamp       = "X-Timestamp"
)

// DefaultReplayWindow is the maximum allowed skew between the request
// timestamp and server time.
const DefaultReplayWindow = 300 * time.Second

// ErrVerificationFailed is returned for every verification failure. The
// boundary surfaces a bare 401; the wrapped detail is for logs only.
var ErrVerificationFailed = errors.New("signature verification failed")

func failf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrVerificationFailed, fmt.Sprintf(format, args...))
}

// Verifier checks inbound webhook signatures per the endpoint's HMAC mode.
type Verifier struct {
	ReplayWindow time.Duration

	// DevBypass skips verification for endpoints with mode none. Without
	// it, a missing mode or secret is a verification failure.
	DevBypass bool

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New builds a verifier with the given replay window (0 means the default).
func New(replayWindow time.Duration, devBypass bool) *Verifier {
	if replayWindow <= 0 {
		replayWindow = DefaultReplayWindow
	}
	return &Verifier{ReplayWindow: replayWindow, DevBypass: devBypass, Now: time.Now}
}

// Verify checks the raw body and incoming headers against the endpoint's
// signing configuration. Any parsing anomaly fails closed.
func (v *Verifier) Verify(ep *domain.Endpoint, body []byte, headers http.Header) error {
	switch ep.HMACMode {
	case domain.HMACModeNone:
		if v.DevBypass {
			return nil
		}
		return failf("endpoint has no signing mode and dev bypass is off")
	case domain.HMACModeStripe:
		return v.verifyStripe(ep.Secret, body, headers.Get(HeaderStripeSignature))
	case domain.HMACModeGitHub:
		return v.verifyGitHub(ep.Secret, body, headers.Get(HeaderGitHubSignature))
	case domain.HMACModeGeneric:
		return v.verifyGeneric(ep.Secret, body, headers.Get(HeaderSignature), headers.Get(HeaderTimestamp))
	default:
		return failf("unknown hmac mode %q", ep.HMACMode)
	}
}

// verifyStripe parses the comma-separated k=v header, requires a timestamp
// and at least one v1 signature, and accepts if any v1 matches
// HMAC-SHA256(secret, "{t}.{body}") within the replay window.
func (v *Verifier) verifyStripe(secret string, body []byte, header string) error {
	if header == "" {
		return failf("missing %s header", HeaderStripeSignature)
	}

	var ts int64
	var haveTS bool
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return failf("malformed %s element", HeaderStripeSignature)
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return failf("malformed timestamp")
			}
			ts, haveTS = parsed, true
		case "v1":
			candidates = append(candidates, val)
		}
	}
	if !haveTS || len(candidates) == 0 {
		return failf("header missing t or v1")
	}
	if err := v.checkReplay(ts); err != nil {
		return err
	}

	expected := SignHex(secret, fmt.Sprintf("%d.%s", ts, body))
	for _, c := range candidates {
		if equalHex(expected, c) {
			return nil
		}
	}
	return failf("no matching v1 signature")
}

// verifyGitHub compares HMAC-SHA256 hex over the raw body; the header value
// may carry a sha256= prefix.
func (v *Verifier) verifyGitHub(secret string, body []byte, header string) error {
	if header == "" {
		return failf("missing %s header", HeaderGitHubSignature)
	}
	sig := strings.TrimPrefix(header, "sha256=")
	if !equalHex(SignHex(secret, string(body)), sig) {
		return failf("signature mismatch")
	}
	return nil
}

// verifyGeneric signs "{ts}.{body}" when a timestamp header is present,
// otherwise the raw body. Timestamped requests get the replay check.
func (v *Verifier) verifyGeneric(secret string, body []byte, sig, tsHeader string) error {
	if sig == "" {
		return failf("missing %s header", HeaderSignature)
	}

	signed := string(body)
	if tsHeader != "" {
		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			return failf("malformed timestamp")
		}
		if err := v.checkReplay(ts); err != nil {
			return err
		}
		signed = fmt.Sprintf("%d.%s", ts, body)
	}
	if !equalHex(SignHex(secret, signed), sig) {
		return failf("signature mismatch")
	}
	return nil
}

func (v *Verifier) checkReplay(ts int64) error {
	now := v.Now().Unix()
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > v.ReplayWindow {
		return failf("timestamp outside replay window")
	}
	return nil
}

// SignHex computes the hex HMAC-SHA256 of the signing string.
func SignHex(secret, signingString string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingString))
	return hex.EncodeToString(mac.Sum(nil))
}

// equalHex compares two hex signatures, length first, then constant-time.
func equalHex(expected, provided string) bool {
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// StripeHeader builds a valid Stripe-Signature value; used by the endpoint
// test probe and by tests.
func StripeHeader(secret string, body []byte, ts int64) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, SignHex(secret, fmt.Sprintf("%d.%s", ts, body)))
}

// GitHubHeader builds a valid X-Hub-Signature-256 value.
func GitHubHeader(secret string, body []byte) string {
	return "sha256=" + SignHex(secret, string(body))
}

// GenericHeaders builds X-Signature and X-Timestamp values.
func GenericHeaders(secret string, body []byte, ts int64) (sig, timestamp string) {
	return SignHex(secret, fmt.Sprintf("%d.%s", ts, body)), strconv.FormatInt(ts, 10)
}
