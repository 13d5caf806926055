package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	itemPrefix = "relay:dlq:item:"
	indexKey   = "relay:dlq:index"
)

// RedisStore keeps dead-letter blobs in Redis: one JSON value per key plus
// a sorted-set index scored by write time for newest-first listing.
type RedisStore struct {
	rdb *redis.Client

	// now is overridable for tests.
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Put(ctx context.Context, key string, item *domain.DeadLetterItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, itemPrefix+key, body, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(s.now().UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing dead letter %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*domain.DeadLetterItem, error) {
	body, err := s.rdb.Get(ctx, itemPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("dead letter %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("reading dead letter %s: %w", key, err)
	}

	var item domain.DeadLetterItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("decoding dead letter %s: %w", key, err)
	}
	return &item, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string, limit int, cursor string) ([]Entry, string, error) {
	offset, err := decodeOffset(cursor)
	if err != nil {
		return nil, "", err
	}

	entries := []Entry{}
	scan := offset
	// Walk the index newest-first, skipping keys outside the prefix. The
	// cursor is the index position after the last returned key.
	for len(entries) < limit {
		batch, err := s.rdb.ZRevRangeWithScores(ctx, indexKey, int64(scan), int64(scan+limit-1)).Result()
		if err != nil {
			return nil, "", fmt.Errorf("listing dead letters: %w", err)
		}
		if len(batch) == 0 {
			return entries, "", nil
		}
		for _, z := range batch {
			scan++
			key := z.Member.(string)
			if prefix != "" && !strings.HasPrefix(key, prefix) {
				continue
			}
			item, err := s.Get(ctx, key)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return nil, "", err
			}
			entries = append(entries, Entry{
				Key:          key,
				LastModified: time.UnixMilli(int64(z.Score)),
				Item:         item,
			})
			if len(entries) == limit {
				return entries, encodeOffset(scan), nil
			}
		}
	}
	return entries, "", nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, itemPrefix+key)
	pipe.ZRem(ctx, indexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting dead letter %s: %w", key, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("dead letter %s: %w", key, domain.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) DeleteBatch(ctx context.Context, keys []string) (int, error) {
	if len(keys) > MaxBulkDelete {
		return 0, ErrTooManyKeys
	}
	deleted := 0
	for _, key := range keys {
		err := s.Delete(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
