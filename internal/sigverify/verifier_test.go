package sigverify

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedVerifier(nowUnix int64) *Verifier {
	v := New(300*time.Second, false)
	v.Now = func() time.Time { return time.Unix(nowUnix, 0) }
	return v
}

func stripeEndpoint(secret string) *domain.Endpoint {
	return &domain.Endpoint{ID: "ep1", HMACMode: domain.HMACModeStripe, Secret: secret}
}

func TestVerifyStripe_Accepts(t *testing.T) {
	secret := "whsec_s"
	body := []byte(`{"a":1}`)
	const ts = 1700000000

	h := http.Header{}
	h.Set(HeaderStripeSignature, StripeHeader(secret, body, ts))

	v := fixedVerifier(ts + 100)
	require.NoError(t, v.Verify(stripeEndpoint(secret), body, h))
}

func TestVerifyStripe_RejectsReplay(t *testing.T) {
	secret := "whsec_s"
	body := []byte(`{"a":1}`)
	const ts = 1700000000

	h := http.Header{}
	h.Set(HeaderStripeSignature, StripeHeader(secret, body, ts))

	// 1000s after signing, beyond the 300s window.
	v := fixedVerifier(ts + 1000)
	assert.ErrorIs(t, v.Verify(stripeEndpoint(secret), body, h), ErrVerificationFailed)
}

func TestVerifyStripe_AcceptsAnyMatchingV1(t *testing.T) {
	secret := "whsec_s"
	body := []byte(`{"a":1}`)
	const ts = 1700000000

	good := SignHex(secret, fmt.Sprintf("%d.%s", ts, body))
	h := http.Header{}
	h.Set(HeaderStripeSignature, fmt.Sprintf("t=%d,v1=%064x,v1=%s", ts, 0, good))

	v := fixedVerifier(ts)
	require.NoError(t, v.Verify(stripeEndpoint(secret), body, h))
}

func TestVerifyStripe_MalformedHeader(t *testing.T) {
	v := fixedVerifier(1700000000)
	body := []byte(`{}`)

	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no equals", "t1700000000"},
		{"missing v1", "t=1700000000"},
		{"missing t", "v1=deadbeef"},
		{"bad timestamp", "t=notanumber,v1=deadbeef"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.header != "" {
				h.Set(HeaderStripeSignature, tc.header)
			}
			assert.ErrorIs(t, v.Verify(stripeEndpoint("s"), body, h), ErrVerificationFailed)
		})
	}
}

func TestVerifyStripe_SingleByteMutations(t *testing.T) {
	secret := "whsec_s"
	body := []byte(`{"a":1}`)
	const ts = 1700000000
	v := fixedVerifier(ts)

	// Mutated body.
	h := http.Header{}
	h.Set(HeaderStripeSignature, StripeHeader(secret, body, ts))
	assert.Error(t, v.Verify(stripeEndpoint(secret), []byte(`{"a":2}`), h))

	// Mutated timestamp (signature no longer covers it).
	sig := SignHex(secret, fmt.Sprintf("%d.%s", ts, body))
	h = http.Header{}
	h.Set(HeaderStripeSignature, fmt.Sprintf("t=%d,v1=%s", ts+1, sig))
	assert.Error(t, v.Verify(stripeEndpoint(secret), body, h))

	// Mutated signature byte.
	mutated := []byte(sig)
	if mutated[0] == 'a' {
		mutated[0] = 'b'
	} else {
		mutated[0] = 'a'
	}
	h = http.Header{}
	h.Set(HeaderStripeSignature, fmt.Sprintf("t=%d,v1=%s", ts, string(mutated)))
	assert.Error(t, v.Verify(stripeEndpoint(secret), body, h))
}

func TestVerifyGitHub(t *testing.T) {
	secret := "gh"
	body := []byte(`{"action":"opened"}`)
	ep := &domain.Endpoint{ID: "ep1", HMACMode: domain.HMACModeGitHub, Secret: secret}
	v := fixedVerifier(1700000000)

	h := http.Header{}
	h.Set(HeaderGitHubSignature, GitHubHeader(secret, body))
	require.NoError(t, v.Verify(ep, body, h))

	// Bare hex without the sha256= prefix is accepted too.
	h.Set(HeaderGitHubSignature, SignHex(secret, string(body)))
	require.NoError(t, v.Verify(ep, body, h))

	// Wrong secret rejected.
	h.Set(HeaderGitHubSignature, GitHubHeader("other", body))
	assert.ErrorIs(t, v.Verify(ep, body, h), ErrVerificationFailed)

	// Missing header rejected.
	assert.ErrorIs(t, v.Verify(ep, body, http.Header{}), ErrVerificationFailed)
}

func TestVerifyGeneric_WithTimestamp(t *testing.T) {
	secret := "gen"
	body := []byte(`payload`)
	const ts = 1700000000
	ep := &domain.Endpoint{ID: "ep1", HMACMode: domain.HMACModeGeneric, Secret: secret}

	sig, tsHeader := GenericHeaders(secret, body, ts)
	h := http.Header{}
	h.Set(HeaderSignature, sig)
	h.Set(HeaderTimestamp, tsHeader)

	require.NoError(t, fixedVerifier(ts+10).Verify(ep, body, h))

	// Same request outside the window is a replay.
	assert.ErrorIs(t, fixedVerifier(ts+301).Verify(ep, body, h), ErrVerificationFailed)
}

func TestVerifyGeneric_WithoutTimestamp(t *testing.T) {
	secret := "gen"
	body := []byte(`payload`)
	ep := &domain.Endpoint{ID: "ep1", HMACMode: domain.HMACModeGeneric, Secret: secret}
	v := fixedVerifier(1700000000)

	h := http.Header{}
	h.Set(HeaderSignature, SignHex(secret, string(body)))
	require.NoError(t, v.Verify(ep, body, h))
}

func TestVerifyNone_RequiresDevBypass(t *testing.T) {
	ep := &domain.Endpoint{ID: "ep1", HMACMode: domain.HMACModeNone}
	body := []byte(`{}`)

	strict := New(0, false)
	assert.ErrorIs(t, strict.Verify(ep, body, http.Header{}), ErrVerificationFailed)

	bypass := New(0, true)
	assert.NoError(t, bypass.Verify(ep, body, http.Header{}))
}
