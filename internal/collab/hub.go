package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/linkerd/collab-server/internal/crdt"
	"github.com/linkerd/collab-server/internal/replication"
)

// Loader fetches a document's most recently persisted snapshot and the
// stream cursor it was taken at, so a freshly-hosted Document can replay
// only the entries written since. Implemented by internal/snapshotrpc.
type Loader interface {
	GetSnapshot(ctx context.Context, docID string) (snap crdt.Snapshot, afterStreamID string, found bool, err error)
}

// HubConfig configures eviction and identity for every Document the Hub
// creates.
type HubConfig struct {
	SiteID           crdt.SiteID
	PingInterval     time.Duration
	IdleGrace        time.Duration // 0 disables idle eviction
	SweepInterval    time.Duration
	SnapshotThrottle time.Duration // debounce window for per-edit snapshot jobs
}

// Hub is the process-wide registry of live Documents, one per doc id
// currently hosted by this server.
type Hub struct {
	core     *replication.Core
	loader   Loader
	enqueuer Enqueuer
	cfg      HubConfig

	mu   sync.Mutex
	docs map[string]*Document

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewHub wires a Hub over the given replication core, snapshot loader and
// snapshot enqueuer. If cfg.IdleGrace is non-zero, a background sweep
// evicts documents with zero connections once they've been idle that
// long, enqueueing one final snapshot on the way out.
func NewHub(core *replication.Core, loader Loader, enqueuer Enqueuer, cfg HubConfig) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	h := &Hub{
		core:     core,
		loader:   loader,
		enqueuer: enqueuer,
		cfg:      cfg,
		docs:     make(map[string]*Document),
	}
	if cfg.IdleGrace > 0 {
		h.stopSweep = make(chan struct{})
		h.sweepDone = make(chan struct{})
		go h.sweepLoop()
	}
	return h
}

// GetOrCreate returns the live Document for docID, loading its last
// snapshot and binding its replication stream on first access.
func (h *Hub) GetOrCreate(ctx context.Context, docID string) (*Document, error) {
	h.mu.Lock()
	if d, ok := h.docs[docID]; ok {
		h.mu.Unlock()
		return d, nil
	}
	h.mu.Unlock()

	snap, afterID, found, err := h.loader.GetSnapshot(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("collab: load %s: %w", docID, err)
	}

	var d *Document
	if found {
		d, err = newDocumentFromSnapshot(docID, h.cfg.SiteID, snap, h.core, h.enqueuer, h.cfg.SnapshotThrottle)
		if err != nil {
			return nil, err
		}
	} else {
		d = newDocument(docID, h.cfg.SiteID, h.core, h.enqueuer, h.cfg.SnapshotThrottle)
		afterID = ""
	}

	h.mu.Lock()
	if existing, ok := h.docs[docID]; ok {
		// Lost a race with another goroutine creating the same document;
		// use the winner and let ours be garbage collected unbound.
		h.mu.Unlock()
		close(d.publishDone)
		return existing, nil
	}
	h.docs[docID] = d
	h.mu.Unlock()

	if err := d.bind(ctx, afterID); err != nil {
		h.mu.Lock()
		delete(h.docs, docID)
		h.mu.Unlock()
		return nil, fmt.Errorf("collab: bind %s: %w", docID, err)
	}
	return d, nil
}

// Get returns the document if it is currently hosted, without creating
// or loading it.
func (h *Hub) Get(docID string) (*Document, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[docID]
	return d, ok
}

// PingInterval returns the configured heartbeat interval for the gateway
// to drive its ping loop.
func (h *Hub) PingInterval() time.Duration {
	return h.cfg.PingInterval
}

func (h *Hub) sweepLoop() {
	defer close(h.sweepDone)
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopSweep:
			return
		case <-ticker.C:
			h.evictIdle()
		}
	}
}

func (h *Hub) evictIdle() {
	h.mu.Lock()
	var victims []*Document
	for id, d := range h.docs {
		if d.ConnCount() == 0 && d.IdleSince() >= h.cfg.IdleGrace {
			victims = append(victims, d)
			delete(h.docs, id)
		}
	}
	h.mu.Unlock()

	for _, d := range victims {
		log.WithField("doc", d.ID).Info("collab: evicting idle document")
		d.enqueueFinalSnapshot(context.Background())
		d.close()
	}
}

// Shutdown stops the idle sweep and closes every hosted document's
// replication binding. It does not itself enqueue snapshots for any
// document; durability relies on the throttled snapshot jobs each
// Document already enqueued for its local edits.
func (h *Hub) Shutdown() {
	if h.stopSweep != nil {
		close(h.stopSweep)
		<-h.sweepDone
	}
	h.mu.Lock()
	docs := make([]*Document, 0, len(h.docs))
	for _, d := range h.docs {
		docs = append(docs, d)
	}
	h.docs = make(map[string]*Document)
	h.mu.Unlock()

	for _, d := range docs {
		d.close()
	}
}
