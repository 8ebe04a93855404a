package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "collab:snapshot:queue"), mr
}

func TestEnqueueDedupsWhilePending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	first, err := q.Enqueue(ctx, "doc1", 100*time.Millisecond, now)
	if err != nil || !first {
		t.Fatalf("first enqueue: added=%v err=%v", first, err)
	}
	second, err := q.Enqueue(ctx, "doc1", 100*time.Millisecond, now)
	if err != nil || second {
		t.Fatalf("second enqueue should not insert: added=%v err=%v", second, err)
	}
	if n, err := q.Len(ctx); err != nil || n != 1 {
		t.Fatalf("Len() = %d, %v; want 1", n, err)
	}
}

func TestEnqueueDedupsWhileInFlight(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := q.Enqueue(ctx, "doc1", 0, now); err != nil {
		t.Fatal(err)
	}
	docID, ok, err := q.Claim(ctx, now.Add(time.Millisecond), 10*time.Second)
	if err != nil || !ok || docID != "doc1" {
		t.Fatalf("Claim() = %q, %v, %v", docID, ok, err)
	}

	// doc1's lease is now inflated far into the future; enqueue must still
	// observe it present and refuse to insert a second job.
	added, err := q.Enqueue(ctx, "doc1", 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatal("enqueue inserted a duplicate while job was in-flight")
	}
}

func TestClaimOnlyReturnsReadyJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := q.Enqueue(ctx, "future-doc", time.Hour, now); err != nil {
		t.Fatal(err)
	}
	docID, ok, err := q.Claim(ctx, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("claimed not-yet-ready job %q", docID)
	}
}

func TestClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := q.Enqueue(ctx, "doc1", 0, now); err != nil {
		t.Fatal(err)
	}

	id1, ok1, err := q.Claim(ctx, now, time.Minute)
	if err != nil || !ok1 || id1 != "doc1" {
		t.Fatalf("first claim: %q %v %v", id1, ok1, err)
	}

	// A second worker racing immediately after must not also claim it.
	_, ok2, err := q.Claim(ctx, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Fatal("second claim succeeded while lease still held")
	}

	// Once the lease window has passed, re-claim succeeds.
	id3, ok3, err := q.Claim(ctx, now.Add(2*time.Minute), time.Minute)
	if err != nil || !ok3 || id3 != "doc1" {
		t.Fatalf("re-claim after lease expiry: %q %v %v", id3, ok3, err)
	}
}

func TestCompleteRemovesJobUntilReEnqueued(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := q.Enqueue(ctx, "doc1", 0, now); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Claim(ctx, now, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}
	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("Len() after complete = %d, %v; want 0", n, err)
	}
	// Complete is idempotent.
	if err := q.Complete(ctx, "doc1"); err != nil {
		t.Fatalf("second complete: %v", err)
	}

	added, err := q.Enqueue(ctx, "doc1", 0, now)
	if err != nil || !added {
		t.Fatalf("re-enqueue after complete: added=%v err=%v", added, err)
	}
}

func TestPostponeKeepsJobInQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := q.Enqueue(ctx, "doc1", 0, now); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Claim(ctx, now, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := q.Postpone(ctx, "doc1", 5*time.Second, now); err != nil {
		t.Fatal(err)
	}
	if n, err := q.Len(ctx); err != nil || n != 1 {
		t.Fatalf("Len() after postpone = %d, %v; want 1", n, err)
	}
	if _, ok, err := q.Claim(ctx, now.Add(time.Second), time.Minute); err != nil || ok {
		t.Fatalf("claim before postponed readyAt should fail: ok=%v err=%v", ok, err)
	}
	if docID, ok, err := q.Claim(ctx, now.Add(6*time.Second), time.Minute); err != nil || !ok || docID != "doc1" {
		t.Fatalf("claim after postponed readyAt: %q %v %v", docID, ok, err)
	}
}
