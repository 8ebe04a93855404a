// Package worker implements the snapshot worker: a long-running
// claim/load/merge/persist loop that rebuilds and persists one
// document's snapshot per job, horizontally scaled by the queue's lease
// semantics. Its shape follows the teacher's daemon-loop-with-shutdown-
// channel idiom (controller/cmd/destination/main.go), generalized from
// one blocking gRPC server to a polling work loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/linkerd/collab-server/internal/crdt"
	"github.com/linkerd/collab-server/internal/snapshotrpc"
	"github.com/linkerd/collab-server/internal/stream"
)

// Queue is the subset of internal/queue.Queue the worker needs.
type Queue interface {
	Claim(ctx context.Context, now time.Time, processingTTL time.Duration) (string, bool, error)
	Complete(ctx context.Context, docID string) error
	Postpone(ctx context.Context, docID string, delay time.Duration, now time.Time) error
}

// SnapshotStore is the subset of internal/snapshotrpc.Client the worker
// needs.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, docID string) (snapshot []byte, afterStreamID string, found bool, err error)
	SaveSnapshot(ctx context.Context, docID string, snapshot []byte, afterStreamID string) error
}

// StreamReader is the subset of internal/stream.Adapter the worker needs.
type StreamReader interface {
	Range(ctx context.Context, docID string, afterID string, limit int64) ([]stream.Entry, error)
}

// Config controls the worker loop's timing.
type Config struct {
	SiteID         crdt.SiteID
	ProcessingTTL  time.Duration
	RetryDelay     time.Duration
	PollInterval   time.Duration
	StreamPageSize int64
}

// Worker runs the claim/merge/persist loop. Many instances may run
// concurrently against the same Queue; the queue's lease semantics
// guarantee at most one active worker per docId per lease window.
type Worker struct {
	queue  Queue
	rpc    SnapshotStore
	stream StreamReader
	cfg    Config
}

// New builds a Worker over the given queue, snapshot RPC client, and
// stream adapter.
func New(queue Queue, rpc SnapshotStore, streamReader StreamReader, cfg Config) *Worker {
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StreamPageSize <= 0 {
		cfg.StreamPageSize = 10000
	}
	return &Worker{queue: queue, rpc: rpc, stream: streamReader, cfg: cfg}
}

// Run blocks, repeatedly claiming and processing jobs, until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info("worker: shutting down")
			return
		default:
		}

		docID, ok, err := w.queue.Claim(ctx, time.Now(), w.cfg.ProcessingTTL)
		if err != nil {
			log.WithError(err).Warn("worker: claim failed, retrying after poll interval")
			if !sleepOrDone(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}
		if !ok {
			if !sleepOrDone(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		if err := w.processOne(ctx, docID); err != nil {
			if errors.Is(err, snapshotrpc.ErrNotFound) {
				log.WithField("doc", docID).Warn("worker: document unknown to metadata service, dropping job")
				if cerr := w.queue.Complete(ctx, docID); cerr != nil {
					log.WithError(cerr).WithField("doc", docID).Error("worker: failed to drop unknown-document job")
				}
				continue
			}
			log.WithError(err).WithField("doc", docID).Warn("worker: job failed, postponing")
			if perr := w.queue.Postpone(ctx, docID, w.cfg.RetryDelay, time.Now()); perr != nil {
				log.WithError(perr).WithField("doc", docID).Error("worker: failed to postpone job")
			}
		}
	}
}

// processOne rebuilds docID's snapshot from its last persisted snapshot
// plus every stream entry since, and persists the result. It is
// idempotent and safe to re-run after a crash: merging is commutative
// and SaveSnapshot is a last-writer-wins overwrite.
func (w *Worker) processOne(ctx context.Context, docID string) error {
	replica := crdt.New(w.cfg.SiteID)

	snap, afterID, found, err := w.rpc.GetSnapshot(ctx, docID)
	if err != nil {
		return fmt.Errorf("worker: get snapshot %s: %w", docID, err)
	}
	if found {
		replica, err = crdt.NewFromSnapshot(w.cfg.SiteID, crdt.Snapshot(snap))
		if err != nil {
			return fmt.Errorf("worker: load snapshot %s: %w", docID, err)
		}
	} else {
		afterID = "0-0"
	}

	cursor := afterID
	for {
		entries, err := w.stream.Range(ctx, docID, cursor, w.cfg.StreamPageSize)
		if err != nil {
			return fmt.Errorf("worker: read stream %s: %w", docID, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if err := replica.ApplyUpdate(crdt.Update(e.Payload), crdt.OriginRemote); err != nil {
				log.WithError(err).WithField("doc", docID).Warn("worker: dropping unparseable stream entry")
				continue
			}
			cursor = e.ID
		}
		if int64(len(entries)) < w.cfg.StreamPageSize {
			break
		}
	}

	encoded := replica.Encode()
	if err := w.rpc.SaveSnapshot(ctx, docID, encoded, cursor); err != nil {
		return fmt.Errorf("worker: save snapshot %s: %w", docID, err)
	}

	if err := w.queue.Complete(ctx, docID); err != nil {
		return fmt.Errorf("worker: complete %s: %w", docID, err)
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
