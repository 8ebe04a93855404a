// Package queue implements the deduplicated, throttled, lease-based
// snapshot job queue: a Redis sorted set keyed by DocId with score =
// readyAt (ms since epoch). Claim is a Lua script so find-lowest-and-
// inflate runs as a single atomic step against concurrent workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript atomically finds the lowest-scored member with score <= now
// and raises its score to now+ttl, returning the member (or an empty
// string if none is ready). ZRANGEBYSCORE + ZADD would race between two
// workers observing the same ready member; EVAL makes the read-then-write
// indivisible from Redis's perspective.
const claimScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local ready = redis.call('ZRANGEBYSCORE', key, '-inf', now, 'LIMIT', 0, 1)
if #ready == 0 then
  return false
end
local docId = ready[1]
redis.call('ZADD', key, now + ttl, docId)
return docId
`

// Queue is the snapshot job queue over one Redis sorted set.
type Queue struct {
	rdb *redis.Client
	key string
}

// New wraps an existing Redis client. key is typically
// "{namespace}:snapshot:queue".
func New(rdb *redis.Client, key string) *Queue {
	return &Queue{rdb: rdb, key: key}
}

// Enqueue inserts docID with score now+delay, but only if it is not
// already present (dedup applies even to an in-flight, leased job, since
// the member stays in the set with its inflated score until Complete).
// It reports true if it inserted a new member.
func (q *Queue) Enqueue(ctx context.Context, docID string, delay time.Duration, now time.Time) (bool, error) {
	readyAt := float64(now.Add(delay).UnixMilli())
	added, err := q.rdb.ZAddNX(ctx, q.key, redis.Z{Score: readyAt, Member: docID}).Result()
	if err != nil {
		return false, fmt.Errorf("queue: enqueue %s: %w", docID, err)
	}
	return added > 0, nil
}

// Claim atomically finds the lowest-scored member with score <= now and
// raises its score to now+processingTTL, returning that docID. It returns
// ("", false, nil) when no job is ready.
func (q *Queue) Claim(ctx context.Context, now time.Time, processingTTL time.Duration) (string, bool, error) {
	res, err := q.rdb.Eval(ctx, claimScript, []string{q.key},
		now.UnixMilli(), processingTTL.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		// the script's `return false` arrives as a nil reply
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("queue: claim: %w", err)
	}
	docID, ok := res.(string)
	if !ok || docID == "" {
		return "", false, nil
	}
	return docID, true, nil
}

// Complete removes docID from the queue. Idempotent: removing an absent
// member is not an error.
func (q *Queue) Complete(ctx context.Context, docID string) error {
	if err := q.rdb.ZRem(ctx, q.key, docID).Err(); err != nil {
		return fmt.Errorf("queue: complete %s: %w", docID, err)
	}
	return nil
}

// Postpone moves docID's score to now+delay, keeping it in the queue for
// a later attempt. Used after a worker failure.
func (q *Queue) Postpone(ctx context.Context, docID string, delay time.Duration, now time.Time) error {
	readyAt := float64(now.Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.key, redis.Z{Score: readyAt, Member: docID}).Err(); err != nil {
		return fmt.Errorf("queue: postpone %s: %w", docID, err)
	}
	return nil
}

// Len reports the current number of members, for tests and metrics.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}
