// Package replication wraps the stream adapter with a process-local
// publish/deliver bus. It is the only component allowed to call the
// stream adapter directly; the collab session layer only ever sees
// deliver events and calls Publish.
package replication

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/linkerd/collab-server/internal/stream"
)

// Delivery is one update handed to a document's local subscribers,
// whether it originated locally or was replayed/tailed from the stream.
type Delivery struct {
	DocID          string
	Payload        []byte
	OriginServerID string
	EntryID        string
}

// Listener receives deliveries for a single document, in order.
type Listener func(Delivery)

// Core is the replication bus for one process. One Core is shared across
// every document this process hosts.
type Core struct {
	adapter  *stream.Adapter
	serverID string

	mu   sync.Mutex
	docs map[string]*binding
}

type binding struct {
	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	lastKnown string
	stop      stream.StopFunc
}

// New builds a Core over the given stream adapter. serverID tags every
// publish and is compared against entries' OriginServerID to detect
// locally-originated updates replayed back from the stream.
func New(adapter *stream.Adapter, serverID string) *Core {
	return &Core{
		adapter:  adapter,
		serverID: serverID,
		docs:     make(map[string]*binding),
	}
}

// ServerID returns this process's replication identity, for callers that
// need to distinguish their own just-published delivery from one that
// arrived from another server.
func (c *Core) ServerID() string {
	return c.serverID
}

// Subscribe registers a listener for docID's deliveries and returns an
// unsubscribe function. It does not itself start replay/tail; call
// BindDoc after subscribing, since BindDoc's replay only reaches
// listeners that are already registered (BindDoc itself is idempotent).
func (c *Core) Subscribe(docID string, l Listener) func() {
	b := c.bindingFor(docID)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (c *Core) bindingFor(docID string) *binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.docs[docID]
	if !ok {
		b = &binding{listeners: make(map[int]Listener), lastKnown: "0-0"}
		c.docs[docID] = b
	}
	return b
}

// Publish appends update to docID's stream under this process's serverID,
// then synchronously delivers it to this process's own listeners so local
// peers of the originator see it without waiting on a stream round trip.
func (c *Core) Publish(ctx context.Context, docID string, update []byte) error {
	entryID, err := c.adapter.Append(ctx, docID, update)
	if err != nil {
		return fmt.Errorf("replication: publish %s: %w", docID, err)
	}
	b := c.bindingFor(docID)
	b.mu.Lock()
	b.lastKnown = entryID
	b.mu.Unlock()
	c.deliver(docID, Delivery{
		DocID:          docID,
		Payload:        update,
		OriginServerID: c.serverID,
		EntryID:        entryID,
	})
	return nil
}

// BindDoc starts hosting docID in this process: it replays every entry
// after afterID, then starts a tail picking up exactly where the replay
// left off, so no entry is skipped or delivered twice to a fresh
// subscriber. It is safe to call more than once; later calls are no-ops
// as long as a tail is already running.
func (c *Core) BindDoc(ctx context.Context, docID string, afterID string) error {
	b := c.bindingFor(docID)

	b.mu.Lock()
	if b.stop != nil {
		b.mu.Unlock()
		return nil
	}
	if afterID != "" {
		b.lastKnown = afterID
	}
	cursor := b.lastKnown
	b.mu.Unlock()

	entries, err := c.adapter.Range(ctx, docID, cursor, 0)
	if err != nil {
		return fmt.Errorf("replication: bindDoc %s: replay: %w", docID, err)
	}
	for _, e := range entries {
		cursor = e.ID
		c.deliver(docID, Delivery{
			DocID:          docID,
			Payload:        e.Payload,
			OriginServerID: e.OriginServerID,
			EntryID:        e.ID,
		})
	}

	b.mu.Lock()
	b.lastKnown = cursor
	b.mu.Unlock()

	// The tail outlives ctx (often a request's context) and runs until
	// UnbindDoc or Shutdown stops it.
	stop := c.adapter.Subscribe(context.WithoutCancel(ctx), docID, cursor, func(e stream.Entry) {
		b.mu.Lock()
		b.lastKnown = e.ID
		b.mu.Unlock()
		c.deliver(docID, Delivery{
			DocID:          docID,
			Payload:        e.Payload,
			OriginServerID: e.OriginServerID,
			EntryID:        e.ID,
		})
	})

	b.mu.Lock()
	b.stop = stop
	b.mu.Unlock()
	return nil
}

func (c *Core) deliver(docID string, d Delivery) {
	b := c.bindingFor(docID)
	b.mu.Lock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()
	for _, l := range listeners {
		l(d)
	}
}

// UnbindDoc stops docID's tail and drops its binding, together with the
// listeners registered on it; unsubscribe functions returned earlier
// then act only on the dropped binding. A later Subscribe or BindDoc for
// docID starts from a fresh binding.
func (c *Core) UnbindDoc(docID string) {
	c.mu.Lock()
	b, ok := c.docs[docID]
	if ok {
		delete(c.docs, docID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	stop := b.stop
	b.stop = nil
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Shutdown stops every running tail and clears all bindings.
func (c *Core) Shutdown() {
	c.mu.Lock()
	docIDs := make([]string, 0, len(c.docs))
	for id := range c.docs {
		docIDs = append(docIDs, id)
	}
	c.mu.Unlock()

	for _, id := range docIDs {
		c.UnbindDoc(id)
	}
	log.WithField("docs", len(docIDs)).Info("replication: shutdown complete")
}
