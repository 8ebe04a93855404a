// Package collab implements the per-document CRDT session: the live
// replica, the set of connected Conns, awareness, and the wire protocol
// that multiplexes CRDT sync and awareness updates over one framed
// binary transport.
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

// Enqueuer schedules a snapshot job. Implemented by internal/queue.Queue;
// declared locally so this package doesn't need to know about Redis.
type Enqueuer interface {
	Enqueue(ctx context.Context, docID string, delay time.Duration, now time.Time) (bool, error)
}

// Document is the live, in-memory session for one collaborative text
// document: the CRDT replica, its connected clients, and its awareness
// table. All mutation to doc and conns is serialized through mu.
type Document struct {
	ID   string
	doc  *crdt.Doc
	core *replication.Core

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	awareness *Awareness

	unsubscribe      func()
	enqueuer         Enqueuer
	snapshotThrottle time.Duration
	lastActive       time.Time
	closed           bool

	// publishCh/publishDone back the single ordered publisher goroutine
	// (publishLoop) that serializes this document's outbound replication
	// publishes.
	publishCh   chan crdt.Update
	publishDone chan struct{}
}

// publishQueueSize bounds how many not-yet-published local updates a
// document will buffer before a blocking send to publishCh starts
// applying backpressure to whatever handler produced the update.
const publishQueueSize = 256

func newDocument(id string, site crdt.SiteID, core *replication.Core, enqueuer Enqueuer, snapshotThrottle time.Duration) *Document {
	d := &Document{
		ID:               id,
		doc:              crdt.New(site),
		core:             core,
		conns:            make(map[*Conn]struct{}),
		awareness:        NewAwareness(),
		enqueuer:         enqueuer,
		snapshotThrottle: snapshotThrottle,
		lastActive:       time.Now(),
		publishCh:        make(chan crdt.Update, publishQueueSize),
		publishDone:      make(chan struct{}),
	}
	d.doc.OnUpdate = d.onDocUpdate
	go d.publishLoop()
	return d
}

func newDocumentFromSnapshot(id string, site crdt.SiteID, snap crdt.Snapshot, core *replication.Core, enqueuer Enqueuer, snapshotThrottle time.Duration) (*Document, error) {
	doc, err := crdt.NewFromSnapshot(site, snap)
	if err != nil {
		return nil, fmt.Errorf("collab: document %s: %w", id, err)
	}
	d := &Document{
		ID:               id,
		doc:              doc,
		core:             core,
		conns:            make(map[*Conn]struct{}),
		awareness:        NewAwareness(),
		enqueuer:         enqueuer,
		snapshotThrottle: snapshotThrottle,
		lastActive:       time.Now(),
		publishCh:        make(chan crdt.Update, publishQueueSize),
		publishDone:      make(chan struct{}),
	}
	d.doc.OnUpdate = d.onDocUpdate
	go d.publishLoop()
	return d, nil
}

// publishLoop is the sole caller of core.Publish for this document. Every
// locally-originated update is handed to it, in order, over publishCh;
// draining them one at a time from a single goroutine preserves append
// order on the shared stream even though onDocUpdate itself may be
// invoked concurrently with other documents (never with itself, since
// every caller that mutates d.doc holds d.mu). Without this, two
// causally dependent edits (e.g. insert then a second insert whose RGA
// origin is the first) could race to Append in reverse order, and a
// remote tail applying the child before its origin parks it out of
// place with no later re-sort.
func (d *Document) publishLoop() {
	for {
		select {
		case u := <-d.publishCh:
			if err := d.core.Publish(context.Background(), d.ID, u); err != nil {
				log.WithError(err).WithField("doc", d.ID).Warn("collab: publish failed")
			}
		case <-d.publishDone:
			return
		}
	}
}

// bind starts replaying/tailing this document's cross-server stream. It
// must be called once, after construction, before any Conn is admitted.
func (d *Document) bind(ctx context.Context, afterID string) error {
	d.unsubscribe = d.core.Subscribe(d.ID, d.onDelivery)
	return d.core.BindDoc(ctx, d.ID, afterID)
}

// onDelivery is the replication core's callback for every entry in this
// document's stream, whether replayed, tailed from another server, or
// our own just-published update arriving back synchronously.
func (d *Document) onDelivery(delivery replication.Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if delivery.OriginServerID == d.core.ServerID() {
		// Our own publish already broadcast synchronously from
		// onDocUpdate; applying it again here would double-broadcast.
		return
	}
	if err := d.doc.ApplyUpdate(crdt.Update(delivery.Payload), crdt.OriginRemote); err != nil {
		log.WithError(err).WithField("doc", d.ID).Warn("collab: failed to apply remote delivery")
	}
}

// onDocUpdate is doc's update observer. It fires synchronously inside
// whatever call produced the update (InsertLocal/DeleteLocal/ApplyUpdate).
func (d *Document) onDocUpdate(u crdt.Update, origin crdt.Origin) {
	frame := encodeFrame(MsgSync, encodeSync(SyncUpdate, u))
	d.broadcastLocked(frame, nil)

	if origin == crdt.OriginRemote {
		// Came from another server via replication; rebroadcasting to our
		// own Conns is correct, but republishing would create a loop. The
		// server that originated the edit already scheduled the snapshot.
		return
	}
	// Hand off to the document's own ordered publisher instead of
	// publishing from a fresh goroutine here, which would let concurrent
	// local edits race to Append out of causal order.
	d.publishCh <- u

	d.enqueueSnapshot()
}

// enqueueSnapshot schedules a debounced snapshot job for this document. The
// queue's enqueue-if-absent dedup collapses a burst of edits within one
// snapshotThrottle window into a single pending job.
func (d *Document) enqueueSnapshot() {
	if d.enqueuer == nil {
		return
	}
	if _, err := d.enqueuer.Enqueue(context.Background(), d.ID, d.snapshotThrottle, time.Now()); err != nil {
		log.WithError(err).WithField("doc", d.ID).Warn("collab: failed to enqueue snapshot")
	}
}

// Join admits a new Conn: registers it, marks it Open, sends the initial
// sync step1 and any existing awareness state, and then marks it Active.
func (d *Document) Join(c *Conn) {
	d.mu.Lock()
	d.conns[c] = struct{}{}
	d.lastActive = time.Now()
	sv := d.doc.EncodeStateVector()
	awarenessSnap := d.awareness.Snapshot()
	d.mu.Unlock()

	c.setState(ConnOpen)
	if err := c.send(encodeFrame(MsgSync, encodeSync(SyncStep1, sv))); err != nil {
		d.Leave(c)
		return
	}
	if awarenessSnap != nil {
		if err := c.send(encodeFrame(MsgAwareness, awarenessSnap)); err != nil {
			d.Leave(c)
			return
		}
	}
	c.setState(ConnActive)
}

// HandleFrame dispatches one decoded frame received from c.
func (d *Document) HandleFrame(c *Conn, frame []byte) error {
	t, payload, err := decodeFrame(frame)
	if err != nil {
		return err
	}
	switch t {
	case MsgSync:
		return d.handleSync(c, payload)
	case MsgAwareness:
		return d.handleAwareness(c, payload)
	default:
		return fmt.Errorf("collab: unknown message type %d", t)
	}
}

func (d *Document) handleSync(c *Conn, payload []byte) error {
	sub, content, err := decodeSync(payload)
	if err != nil {
		return err
	}
	switch sub {
	case SyncStep1:
		remoteSV, err := crdt.DecodeStateVector(content)
		if err != nil {
			return fmt.Errorf("collab: decode remote state vector: %w", err)
		}
		d.mu.Lock()
		update := d.doc.Diff(remoteSV)
		d.mu.Unlock()
		if len(update) == 0 {
			return nil
		}
		return c.send(encodeFrame(MsgSync, encodeSync(SyncStep2, update)))
	case SyncStep2, SyncUpdate:
		d.mu.Lock()
		err := d.doc.ApplyUpdate(crdt.Update(content), crdt.OriginLocal)
		d.lastActive = time.Now()
		d.mu.Unlock()
		if err != nil {
			return fmt.Errorf("collab: apply update from %s: %w", c.ID, err)
		}
		return nil
	default:
		return fmt.Errorf("collab: unknown sync sub-type %d", sub)
	}
}

func (d *Document) handleAwareness(c *Conn, payload []byte) error {
	incoming, err := decodeAwareness(payload)
	if err != nil {
		return fmt.Errorf("collab: decode awareness from %s: %w", c.ID, err)
	}
	accepted, err := d.awareness.applyDecoded(incoming)
	if err != nil {
		return err
	}
	for id := range incoming {
		c.ownAwarenessID(id)
	}
	if accepted == nil {
		return nil
	}
	d.mu.Lock()
	d.lastActive = time.Now()
	d.broadcastLocked(encodeFrame(MsgAwareness, accepted), c)
	d.mu.Unlock()
	return nil
}

// broadcastLocked sends frame to every Conn except exclude. Callers must
// hold d.mu. A send failure only drops that one Conn; it is unregistered
// on a separate goroutine to avoid recursing into Leave while mu is held.
func (d *Document) broadcastLocked(frame []byte, exclude *Conn) {
	for c := range d.conns {
		if c == exclude {
			continue
		}
		c := c
		if err := c.send(frame); err != nil {
			go d.Leave(c)
		}
	}
}

// Leave removes c from this document. If it was the last Conn, the
// caller (the owning Hub) is responsible for deciding whether to evict
// the Document after the configured idle grace period.
func (d *Document) Leave(c *Conn) {
	d.mu.Lock()
	if _, ok := d.conns[c]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.conns, c)
	owned := c.ownedAwarenessIDs()
	d.lastActive = time.Now()
	removalUpdate := d.awareness.Remove(owned)
	d.broadcastLocked(encodeFrame(MsgAwareness, removalUpdate), nil)
	empty := len(d.conns) == 0
	d.mu.Unlock()

	c.fail()
	if empty {
		log.WithField("doc", d.ID).Debug("collab: document has no active connections")
	}
}

// ConnCount reports how many Conns are currently joined.
func (d *Document) ConnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// IdleSince reports how long this document has gone without a client
// message or connection change.
func (d *Document) IdleSince() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.lastActive)
}

// Snapshot returns the document's current encoded state.
func (d *Document) Snapshot() crdt.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Encode()
}

// close stops the document's replication subscription. Called by the Hub
// once it has decided to evict.
func (d *Document) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.publishDone)
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.core.UnbindDoc(d.ID)
}

// enqueueFinalSnapshot asks the snapshot queue to persist this document's
// final state promptly, used when a Document is evicted.
func (d *Document) enqueueFinalSnapshot(ctx context.Context) {
	if d.enqueuer == nil {
		return
	}
	if _, err := d.enqueuer.Enqueue(ctx, d.ID, 0, time.Now()); err != nil {
		log.WithError(err).WithField("doc", d.ID).Warn("collab: failed to enqueue final snapshot")
	}
}
