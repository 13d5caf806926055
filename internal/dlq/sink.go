package dlq

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
)

// MaxBulkDelete bounds one bulk delete call.
const MaxBulkDelete = 50

// ErrTooManyKeys is returned when a bulk call exceeds MaxBulkDelete.
var ErrTooManyKeys = errors.New("dlq: too many keys in bulk call")

// Entry is one listed dead-letter item with its storage metadata.
type Entry struct {
	Key          string                 `json:"key"`
	LastModified time.Time              `json:"last_modified"`
	Item         *domain.DeadLetterItem `json:"item,omitempty"`
}

// BlobStore is the dead-letter sink: write-once blobs keyed
// dlq/{endpointId}/{deliveryId}, listed newest-first, deletable one at a
// time or in bounded bulk. Implementations: Redis (default) and S3.
type BlobStore interface {
	Put(ctx context.Context, key string, item *domain.DeadLetterItem) error
	Get(ctx context.Context, key string) (*domain.DeadLetterItem, error)
	// List returns entries under prefix newest-first. An empty prefix
	// lists everything; cursor continues a prior page.
	List(ctx context.Context, prefix string, limit int, cursor string) ([]Entry, string, error)
	Delete(ctx context.Context, key string) error
	DeleteBatch(ctx context.Context, keys []string) (int, error)
	Ping(ctx context.Context) error
}

// Listing cursors are plain offsets, base64-wrapped to stay opaque.
func encodeOffset(n int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(n)))
}

func decodeOffset(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, domain.Validationf("malformed cursor")
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return 0, domain.Validationf("malformed cursor")
	}
	return n, nil
}
