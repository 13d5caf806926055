package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// idemPrefix namespaces idempotency markers in Redis.
const idemPrefix = "relay:idem:"

// Deduper remembers (endpointID, Idempotency-Key) pairs for a window so a
// sender retrying an accepted request gets the original delivery id back.
type Deduper struct {
	rdb    *redis.Client
	window time.Duration
}

func NewDeduper(rdb *redis.Client, window time.Duration) *Deduper {
	return &Deduper{rdb: rdb, window: window}
}

func idemKey(endpointID, key string) string {
	return fmt.Sprintf("%s%s:%s", idemPrefix, endpointID, key)
}

// Reserve atomically claims the key for deliveryID. When the key was
// already claimed within the window, it returns the prior delivery id and
// false.
func (d *Deduper) Reserve(ctx context.Context, endpointID, key, deliveryID string) (string, bool, error) {
	if d == nil || key == "" {
		return deliveryID, true, nil
	}

	ok, err := d.rdb.SetNX(ctx, idemKey(endpointID, key), deliveryID, d.window).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserving idempotency key: %w", err)
	}
	if ok {
		return deliveryID, true, nil
	}

	prior, err := d.rdb.Get(ctx, idemKey(endpointID, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SetNX and Get; treat as fresh.
			return deliveryID, true, nil
		}
		return "", false, fmt.Errorf("reading idempotency key: %w", err)
	}
	return prior, false, nil
}

// Release drops a reservation when the request failed after reserving, so
// the sender's retry is not answered with a delivery that never existed.
func (d *Deduper) Release(ctx context.Context, endpointID, key string) {
	if d == nil || key == "" {
		return
	}
	d.rdb.Del(ctx, idemKey(endpointID, key))
}
