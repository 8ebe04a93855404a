package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linkerd/collab-server/internal/crdt"
	"github.com/linkerd/collab-server/internal/snapshotrpc"
	"github.com/linkerd/collab-server/internal/stream"
)

type fakeQueue struct {
	mu        sync.Mutex
	pending   []string
	completed []string
	postponed []string
}

func newFakeQueue(docIDs ...string) *fakeQueue {
	return &fakeQueue{pending: docIDs}
}

func (q *fakeQueue) Claim(ctx context.Context, now time.Time, ttl time.Duration) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false, nil
	}
	docID := q.pending[0]
	q.pending = q.pending[1:]
	return docID, true, nil
}

func (q *fakeQueue) Complete(ctx context.Context, docID string) error {
	q.mu.Lock()
	q.completed = append(q.completed, docID)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Postpone(ctx context.Context, docID string, delay time.Duration, now time.Time) error {
	q.mu.Lock()
	q.postponed = append(q.postponed, docID)
	q.mu.Unlock()
	return nil
}

type fakeRPC struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	notFound  map[string]bool
	saved     map[string][]byte
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		snapshots: make(map[string][]byte),
		notFound:  make(map[string]bool),
		saved:     make(map[string][]byte),
	}
}

func (r *fakeRPC) GetSnapshot(ctx context.Context, docID string) ([]byte, string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[docID]
	return snap, "", ok, nil
}

func (r *fakeRPC) SaveSnapshot(ctx context.Context, docID string, snapshot []byte, afterStreamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notFound[docID] {
		return snapshotrpc.ErrNotFound
	}
	r.saved[docID] = snapshot
	return nil
}

type fakeStreamReader struct {
	entries map[string][]stream.Entry
}

func (s *fakeStreamReader) Range(ctx context.Context, docID string, afterID string, limit int64) ([]stream.Entry, error) {
	if afterID != "0-0" && afterID != "" {
		return nil, nil
	}
	return s.entries[docID], nil
}

func TestProcessOneMergesStreamIntoFreshReplicaAndSaves(t *testing.T) {
	source := crdt.New("client-1")
	id := source.InsertLocal('h', crdt.OpID{})
	id = source.InsertLocal('i', id)
	_ = id
	update := source.Diff(map[crdt.SiteID]uint64{})

	sr := &fakeStreamReader{entries: map[string][]stream.Entry{
		"doc1": {{ID: "1-0", Payload: []byte(update)}},
	}}
	rpc := newFakeRPC()
	q := newFakeQueue("doc1")

	w := New(q, rpc, sr, Config{SiteID: "worker-1", PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if len(q.completed) != 1 || q.completed[0] != "doc1" {
		t.Fatalf("completed = %v", q.completed)
	}
	saved, ok := rpc.saved["doc1"]
	if !ok {
		t.Fatal("expected a snapshot to be saved for doc1")
	}
	replica, err := crdt.NewFromSnapshot("verifier", crdt.Snapshot(saved))
	if err != nil {
		t.Fatal(err)
	}
	if replica.Text() != "hi" {
		t.Fatalf("replica.Text() = %q, want %q", replica.Text(), "hi")
	}
}

func TestProcessOnePostponesOnTransientFailure(t *testing.T) {
	rpc := newFakeRPC()
	sr := &fakeStreamReader{entries: map[string][]stream.Entry{}}
	q := newFakeQueue("doc1")
	rpc.notFound["doc1"] = false

	// Force a failure path: GetSnapshot succeeds trivially, but make
	// SaveSnapshot fail by marking the doc not-found is the wrong signal
	// (that's terminal); instead simulate a stream read error via an
	// adapter that always errors.
	w := New(q, rpc, erroringStreamReader{}, Config{SiteID: "worker-1", PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if len(q.postponed) != 1 || q.postponed[0] != "doc1" {
		t.Fatalf("postponed = %v", q.postponed)
	}
	if len(q.completed) != 0 {
		t.Fatalf("completed = %v, want none", q.completed)
	}
}

type erroringStreamReader struct{}

func (erroringStreamReader) Range(ctx context.Context, docID string, afterID string, limit int64) ([]stream.Entry, error) {
	return nil, errStreamUnavailable
}

var errStreamUnavailable = &streamErr{}

type streamErr struct{}

func (*streamErr) Error() string { return "stream unavailable" }

func TestProcessOneDropsJobWhenDocumentUnknownToMetadataService(t *testing.T) {
	rpc := newFakeRPC()
	rpc.notFound["doc1"] = true
	sr := &fakeStreamReader{entries: map[string][]stream.Entry{}}
	q := newFakeQueue("doc1")

	w := New(q, rpc, sr, Config{SiteID: "worker-1", PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if len(q.completed) != 1 || q.completed[0] != "doc1" {
		t.Fatalf("completed = %v, want [doc1] (dropped as terminal failure)", q.completed)
	}
	if len(q.postponed) != 0 {
		t.Fatalf("postponed = %v, want none", q.postponed)
	}
}
