package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
)

// EndpointSource resolves endpoint configuration.
type EndpointSource interface {
	GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error)
}

// EndpointCache is a small positive-result TTL cache in front of the
// endpoint store, so the hot ingest path does not hit Postgres per
// request. Misses and deactivations are served fresh after at most ttl.
type EndpointCache struct {
	src EndpointSource
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	// now is overridable for tests.
	now func() time.Time
}

type cacheEntry struct {
	ep      *domain.Endpoint
	expires time.Time
}

func NewEndpointCache(src EndpointSource, ttl time.Duration) *EndpointCache {
	return &EndpointCache{
		src:     src,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *EndpointCache) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	if c.ttl > 0 {
		c.mu.RLock()
		e, ok := c.entries[id]
		c.mu.RUnlock()
		if ok && c.now().Before(e.expires) {
			return e.ep, nil
		}
	}

	ep, err := c.src.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[id] = cacheEntry{ep: ep, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return ep, nil
}

// Invalidate drops one cached endpoint, used after operator mutations.
func (c *EndpointCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
