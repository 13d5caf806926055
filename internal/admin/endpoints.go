package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/sigverify"
)

func (s *Server) listEndpoints(ctx context.Context, _ json.RawMessage) (any, error) {
	eps, err := s.store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	// Secrets never leave the control plane.
	for i := range eps {
		eps[i].Secret = ""
	}
	return map[string]any{"endpoints": eps}, nil
}

type endpointIDParams struct {
	EndpointID string `json:"endpoint_id"`
}

func (s *Server) getEndpoint(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[endpointIDParams](params)
	if err != nil {
		return nil, err
	}
	ep, err := s.store.GetEndpoint(ctx, p.EndpointID)
	if err != nil {
		return nil, err
	}
	ep.Secret = ""
	return ep, nil
}

func (s *Server) createEndpoint(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeParams[domain.CreateEndpointRequest](params)
	if err != nil {
		return nil, err
	}
	ep, err := s.store.CreateEndpoint(ctx, req)
	if err != nil {
		return nil, err
	}
	ep.Secret = ""
	return ep, nil
}

type updateEndpointParams struct {
	EndpointID string `json:"endpoint_id"`
	domain.UpdateEndpointRequest
}

func (s *Server) updateEndpoint(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[updateEndpointParams](params)
	if err != nil {
		return nil, err
	}
	ep, err := s.store.UpdateEndpoint(ctx, p.EndpointID, p.UpdateEndpointRequest)
	if err != nil {
		return nil, err
	}
	s.invalidateEndpoint(p.EndpointID)
	ep.Secret = ""
	return ep, nil
}

func (s *Server) deleteEndpoint(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[endpointIDParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteEndpoint(ctx, p.EndpointID); err != nil {
		return nil, err
	}
	s.invalidateEndpoint(p.EndpointID)
	if s.breaker != nil {
		s.breaker.Reset(ctx, p.EndpointID)
	}
	return map[string]string{"endpoint_id": p.EndpointID, "status": "deleted"}, nil
}

func (s *Server) rotateSecret(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[endpointIDParams](params)
	if err != nil {
		return nil, err
	}
	secret, err := s.store.RotateSecret(ctx, p.EndpointID)
	if err != nil {
		return nil, err
	}
	s.invalidateEndpoint(p.EndpointID)
	// The new secret is returned exactly once; it is not readable later.
	return map[string]string{"endpoint_id": p.EndpointID, "secret": secret}, nil
}

type testEndpointResult struct {
	ResponseStatus int    `json:"response_status,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
	BodySnippet    string `json:"body_snippet,omitempty"`
	Error          string `json:"error,omitempty"`
}

// testEndpoint sends a signed synthetic payload straight to the
// destination, bypassing the queue entirely.
func (s *Server) testEndpoint(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[endpointIDParams](params)
	if err != nil {
		return nil, err
	}
	ep, err := s.store.GetEndpoint(ctx, p.EndpointID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	payload := fmt.Sprintf(`{"test":true,"endpoint_id":%q,"timestamp":%d}`, ep.ID, now.UnixMilli())

	reqCtx, cancel := context.WithTimeout(ctx, ep.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.DestURL, strings.NewReader(payload))
	if err != nil {
		return nil, domain.Validationf("destination URL is unusable: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	signTestRequest(req, ep, []byte(payload), now)

	start := s.now()
	resp, err := s.httpClient.Do(req)
	elapsed := s.now().Sub(start).Milliseconds()
	if err != nil {
		return testEndpointResult{DurationMs: elapsed, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return testEndpointResult{
		ResponseStatus: resp.StatusCode,
		DurationMs:     elapsed,
		BodySnippet:    string(snippet),
	}, nil
}

// signTestRequest attaches the signature headers the destination expects,
// so a correctly configured receiver accepts the probe.
func signTestRequest(req *http.Request, ep *domain.Endpoint, payload []byte, now time.Time) {
	switch ep.HMACMode {
	case domain.HMACModeStripe:
		req.Header.Set(sigverify.HeaderStripeSignature, sigverify.StripeHeader(ep.Secret, payload, now.Unix()))
	case domain.HMACModeGitHub:
		req.Header.Set(sigverify.HeaderGitHubSignature, sigverify.GitHubHeader(ep.Secret, payload))
	case domain.HMACModeGeneric:
		sig, ts := sigverify.GenericHeaders(ep.Secret, payload, now.Unix())
		req.Header.Set(sigverify.HeaderSignature, sig)
		req.Header.Set(sigverify.HeaderTimestamp, ts)
	}
}

func (s *Server) invalidateEndpoint(id string) {
	if s.cache != nil {
		s.cache.Invalidate(id)
	}
}
