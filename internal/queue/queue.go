package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Redis key layout. Pending holds receipts scored by visible-at time;
// in-flight holds claimed receipts scored by their lock deadline. Message
// bodies live under their receipt until terminal handling deletes them.
const (
	pendingKey  = "relay:q:pending"
	inflightKey = "relay:q:inflight"
	bodyPrefix  = "relay:q:msg:"
)

// DefaultVisibility is the claim lock duration when none is configured.
const DefaultVisibility = 2 * time.Minute

// Claim is a received message plus the opaque receipt needed to settle it.
// A claim is exclusive to one worker until deleted, requeued, or reaped
// after the visibility deadline passes.
type Claim struct {
	Receipt string
	Msg     domain.QueueMessage
}

// Queue is a durable, at-least-once delivery queue over Redis sorted sets,
// with per-message delay and a visibility timeout on received messages.
type Queue struct {
	rdb        *redis.Client
	logger     *slog.Logger
	visibility time.Duration

	// now is overridable for tests.
	now func() time.Time
}

func New(rdb *redis.Client, logger *slog.Logger, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Queue{rdb: rdb, logger: logger, visibility: visibility, now: time.Now}
}

func bodyKey(receipt string) string {
	return bodyPrefix + receipt
}

// Enqueue makes the message visible after the given delay (0 = immediately).
func (q *Queue) Enqueue(ctx context.Context, msg domain.QueueMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling queue message: %w", err)
	}

	receipt := uuid.New().String()
	visibleAt := q.now().Add(delay)

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, bodyKey(receipt), body, 0)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(visibleAt.UnixMilli()), Member: receipt})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueuing message: %w", err)
	}
	return nil
}

// claimScript moves a receipt from pending to in-flight in a single step,
// so a crash mid-claim can never strand it in neither set. Returns 1 when
// this caller won the claim.
var claimScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return removed
`)

// Receive claims up to batch visible messages. Each claimed receipt moves
// atomically to the in-flight set scored by its lock deadline; a concurrent
// receiver that loses the claim race simply skips the receipt.
func (q *Queue) Receive(ctx context.Context, batch int) ([]Claim, error) {
	now := q.now()
	receipts, err := q.rdb.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(batch),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling pending queue: %w", err)
	}

	var claims []Claim
	deadline := strconv.FormatInt(now.Add(q.visibility).UnixMilli(), 10)
	for _, receipt := range receipts {
		won, err := claimScript.Run(ctx, q.rdb, []string{pendingKey, inflightKey}, receipt, deadline).Int()
		if err != nil {
			return claims, fmt.Errorf("claiming message: %w", err)
		}
		if won == 0 {
			// Another worker won the claim.
			continue
		}

		body, err := q.rdb.Get(ctx, bodyKey(receipt)).Bytes()
		if err != nil {
			q.logger.Error("queue message body missing", "receipt", receipt, "error", err)
			q.rdb.ZRem(ctx, inflightKey, receipt)
			continue
		}

		var msg domain.QueueMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			q.logger.Error("dropping undecodable queue message", "receipt", receipt, "error", err)
			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, inflightKey, receipt)
			pipe.Del(ctx, bodyKey(receipt))
			pipe.Exec(ctx)
			continue
		}
		claims = append(claims, Claim{Receipt: receipt, Msg: msg})
	}
	return claims, nil
}

// ExtendClaim pushes the claim's lock deadline out to now+d. Workers call
// this once they know the endpoint's per-attempt timeout, so a slow attempt
// cannot outlive its visibility lock and be handed to a second worker.
// Deadlines only move forward, and a claim the reaper already released is
// not resurrected.
func (q *Queue) ExtendClaim(ctx context.Context, c Claim, d time.Duration) error {
	deadline := float64(q.now().Add(d).UnixMilli())
	err := q.rdb.ZAddArgs(ctx, inflightKey, redis.ZAddArgs{
		XX:      true,
		GT:      true,
		Members: []redis.Z{{Score: deadline, Member: c.Receipt}},
	}).Err()
	if err != nil {
		return fmt.Errorf("extending claim: %w", err)
	}
	return nil
}

// Delete settles a claim terminally; the message will not be redelivered.
func (q *Queue) Delete(ctx context.Context, c Claim) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, inflightKey, c.Receipt)
	pipe.Del(ctx, bodyKey(c.Receipt))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// Requeue settles the current claim and enqueues the (possibly mutated)
// message again after delay. Used for retry backoff and for gate
// reschedules that must not consume an attempt.
func (q *Queue) Requeue(ctx context.Context, c Claim, msg domain.QueueMessage, delay time.Duration) error {
	if err := q.Enqueue(ctx, msg, delay); err != nil {
		return err
	}
	return q.Delete(ctx, c)
}

// ReapExpired moves in-flight messages whose visibility deadline passed
// back to pending. Called periodically; this is what makes a crashed
// worker's messages redeliverable.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	expired, err := q.rdb.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("polling in-flight set: %w", err)
	}

	reaped := 0
	for _, receipt := range expired {
		removed, err := q.rdb.ZRem(ctx, inflightKey, receipt).Result()
		if err != nil {
			return reaped, fmt.Errorf("releasing expired claim: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.ZAdd(ctx, pendingKey, redis.Z{Score: float64(now), Member: receipt}).Err(); err != nil {
			return reaped, fmt.Errorf("requeuing expired claim: %w", err)
		}
		reaped++
	}
	return reaped, nil
}

// Stats is the queue depth breakdown for the operator stats rollup.
type Stats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

// Depth returns visible, delayed and in-flight message counts.
func (q *Queue) Depth(ctx context.Context) (*Stats, error) {
	nowStr := strconv.FormatInt(q.now().UnixMilli(), 10)

	ready, err := q.rdb.ZCount(ctx, pendingKey, "-inf", nowStr).Result()
	if err != nil {
		return nil, fmt.Errorf("counting ready messages: %w", err)
	}
	delayed, err := q.rdb.ZCount(ctx, pendingKey, "("+nowStr, "+inf").Result()
	if err != nil {
		return nil, fmt.Errorf("counting delayed messages: %w", err)
	}
	inflight, err := q.rdb.ZCard(ctx, inflightKey).Result()
	if err != nil {
		return nil, fmt.Errorf("counting in-flight messages: %w", err)
	}
	return &Stats{Ready: ready, Delayed: delayed, InFlight: inflight}, nil
}

// Ping is used by the operator connectivity probe.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// StartReaper runs ReapExpired on the interval until ctx is cancelled.
func (q *Queue) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.ReapExpired(ctx)
			if err != nil {
				q.logger.Error("reaping expired claims", "error", err)
			} else if n > 0 {
				q.logger.Warn("requeued expired claims", "count", n)
			}
		}
	}
}
