// Package crdt implements the replicated growable array (RGA) text CRDT
// that backs every collaborative document. Replicas converge under any
// delivery order because inserts are placed relative to a stable origin
// and ties between concurrent inserts are broken by a total order over
// operation ids; deletes are tombstones, so they commute with everything.
package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// SiteID identifies the replica (server or client) that authored an op.
type SiteID string

// OpID is a Lamport id: unique per site because each site owns its own
// monotonic counter.
type OpID struct {
	Site    SiteID
	Counter uint64
}

func (id OpID) zero() bool { return id.Counter == 0 && id.Site == "" }

type opKind uint8

const (
	opInsert opKind = iota
	opDelete
)

// op is one mutation in a replica's history. It is the unit that travels
// over the wire inside an Update and the unit persisted inside a Snapshot.
type op struct {
	Kind   opKind
	ID     OpID // the op's own identity; used for dedup and state vectors
	Origin OpID // insert only: the node this char was inserted after ("" = head)
	Ch     rune // insert only
	Target OpID // delete only: the node id being tombstoned
}

// Update is an opaque, minimal set of operations representing one or more
// mutations. It is commutative and idempotent under Doc.ApplyUpdate.
type Update []byte

// Snapshot is an opaque encoding of a replica's full history. Applying it
// to a fresh Doc reproduces byte-identical observable state.
type Snapshot []byte

// Origin tags where an update came from, so callers can avoid re-publishing
// updates that originated on this same server.
type Origin int

const (
	// OriginLocal marks an update produced by a mutation on this replica.
	OriginLocal Origin = iota
	// OriginRemote marks an update merged in from another server or client.
	OriginRemote
)

type node struct {
	id      OpID
	origin  OpID
	ch      rune
	deleted bool
}

// Doc is one in-memory CRDT replica for a document.
type Doc struct {
	mu   sync.Mutex
	site SiteID

	order []OpID // total order of node ids, tombstones included
	nodes map[OpID]*node

	pendingDeletes map[OpID]bool // deletes that arrived before their target insert
	seenDeletes    map[OpID]bool // delete op ids already applied, for dedup on redelivery

	clock map[SiteID]uint64 // state vector: highest counter seen per site

	ops []op // full causal history, for Diff and Encode

	// OnUpdate, if set, is invoked synchronously after any mutation
	// (local or merged) with the update that was just applied and its
	// origin. It must not block.
	OnUpdate func(Update, Origin)
}

// New creates an empty replica identified by site. site must be stable for
// the lifetime of the process producing updates (e.g. serverId, or a
// per-connection client id).
func New(site SiteID) *Doc {
	return &Doc{
		site:           site,
		nodes:          make(map[OpID]*node),
		pendingDeletes: make(map[OpID]bool),
		seenDeletes:    make(map[OpID]bool),
		clock:          make(map[SiteID]uint64),
	}
}

// NewFromSnapshot creates a replica by applying a previously encoded
// Snapshot. A nil or empty snapshot yields an empty replica.
func NewFromSnapshot(site SiteID, snap Snapshot) (*Doc, error) {
	d := New(site)
	if len(snap) == 0 {
		return d, nil
	}
	if err := d.ApplyUpdate(Update(snap), OriginRemote); err != nil {
		return nil, fmt.Errorf("crdt: apply snapshot: %w", err)
	}
	return d, nil
}

// Text returns the current observable text, skipping tombstones.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

func (d *Doc) textLocked() string {
	runes := make([]rune, 0, len(d.order))
	for _, id := range d.order {
		n := d.nodes[id]
		if n != nil && !n.deleted {
			runes = append(runes, n.ch)
		}
	}
	return string(runes)
}

// Len returns the number of live (non-tombstoned) characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range d.order {
		if nd := d.nodes[id]; nd != nil && !nd.deleted {
			n++
		}
	}
	return n
}

// InsertLocal inserts ch immediately after the node identified by after
// (the zero OpID means "at the start"), as an edit authored by this
// replica's own site. It returns the new node's id so callers (tests,
// simulated clients) can chain further inserts after it.
func (d *Doc) InsertLocal(ch rune, after OpID) OpID {
	d.mu.Lock()
	d.clock[d.site]++
	id := OpID{Site: d.site, Counter: d.clock[d.site]}
	o := op{Kind: opInsert, ID: id, Origin: after, Ch: ch}
	d.applyOpLocked(o)
	d.ops = append(d.ops, o)
	d.mu.Unlock()

	d.notify(encodeOps([]op{o}), OriginLocal)
	return id
}

// DeleteLocal tombstones the node identified by target, as an edit
// authored by this replica's own site.
func (d *Doc) DeleteLocal(target OpID) {
	d.mu.Lock()
	d.clock[d.site]++
	id := OpID{Site: d.site, Counter: d.clock[d.site]}
	o := op{Kind: opDelete, ID: id, Target: target}
	d.applyOpLocked(o)
	d.ops = append(d.ops, o)
	d.mu.Unlock()

	d.notify(encodeOps([]op{o}), OriginLocal)
}

// ApplyUpdate merges u into the replica. It is safe to apply the same
// Update more than once (idempotent) and in any order relative to other
// updates (commutative), which is what lets duplicate delivery after a
// transient stream error be absorbed harmlessly.
func (d *Doc) ApplyUpdate(u Update, origin Origin) error {
	ops, err := decodeOps(u)
	if err != nil {
		return fmt.Errorf("crdt: decode update: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	d.mu.Lock()
	applied := make([]op, 0, len(ops))
	for _, o := range ops {
		if d.applyOpLocked(o) {
			d.ops = append(d.ops, o)
			applied = append(applied, o)
		}
	}
	d.mu.Unlock()

	if len(applied) > 0 {
		d.notify(encodeOps(applied), origin)
	}
	return nil
}

// applyOpLocked applies a single op and reports whether it changed state
// (false means it was already known, e.g. a duplicate insert). Caller
// holds d.mu.
func (d *Doc) applyOpLocked(o op) bool {
	switch o.Kind {
	case opInsert:
		if _, exists := d.nodes[o.ID]; exists {
			return false
		}
		n := &node{id: o.ID, origin: o.Origin, ch: o.Ch}
		if d.pendingDeletes[o.ID] {
			n.deleted = true
			delete(d.pendingDeletes, o.ID)
		}
		d.nodes[o.ID] = n
		d.insertIntoOrderLocked(n)
		d.bumpClockLocked(o.ID)
		return true
	case opDelete:
		if d.seenDeletes[o.ID] {
			return false
		}
		d.seenDeletes[o.ID] = true
		if n, exists := d.nodes[o.Target]; exists {
			n.deleted = true
		} else {
			d.pendingDeletes[o.Target] = true
		}
		d.bumpClockLocked(o.ID)
		return true
	default:
		return false
	}
}

func (d *Doc) bumpClockLocked(id OpID) {
	if id.Counter > d.clock[id.Site] {
		d.clock[id.Site] = id.Counter
	}
}

// insertIntoOrderLocked places n's id into d.order following the RGA rule:
// immediately after its origin, skipping over any sibling (another node
// also inserted directly after the same origin) that sorts before n under
// idBefore. This is deterministic given only (origin, id), so replaying
// the same set of ops in any order converges to the same list.
func (d *Doc) insertIntoOrderLocked(n *node) {
	pos := 0
	if !n.origin.zero() {
		idx := d.indexOfLocked(n.origin)
		if idx < 0 {
			// Origin not seen yet: park at the end. A later insert whose
			// origin arrives will not retroactively fix ordering, but this
			// only happens under out-of-order delivery of inserts whose
			// causal parent update was lost, which the replication layer
			// does not allow (a site always delivers its own ops in order
			// and the stream preserves per-doc append order).
			d.order = append(d.order, n.id)
			return
		}
		pos = idx + 1
	}

	i := pos
	for i < len(d.order) {
		other := d.nodes[d.order[i]]
		if other == nil || other.origin != n.origin {
			break
		}
		if idBefore(n.id, other.id) {
			break
		}
		i++
	}

	d.order = append(d.order, OpID{})
	copy(d.order[i+1:], d.order[i:])
	d.order[i] = n.id
}

func (d *Doc) indexOfLocked(id OpID) int {
	for i, oid := range d.order {
		if oid == id {
			return i
		}
	}
	return -1
}

// idBefore reports whether a should sort before b when both were inserted
// directly after the same origin. Higher counter wins (most recent
// concurrent insert ends up leftmost); site breaks ties.
func idBefore(a, b OpID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Site > b.Site
}

func (d *Doc) notify(u Update, origin Origin) {
	if d.OnUpdate != nil {
		d.OnUpdate(u, origin)
	}
}

// EncodeStateVector returns this replica's state vector: the highest op
// counter observed per site. Used as the SYNC/step1 payload.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make(map[SiteID]uint64, len(d.clock))
	for k, v := range d.clock {
		cp[k] = v
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cp); err != nil {
		// encoding a map[string]uint64 cannot fail
		panic(err)
	}
	return buf.Bytes()
}

// DecodeStateVector parses a state vector previously produced by
// EncodeStateVector.
func DecodeStateVector(b []byte) (map[SiteID]uint64, error) {
	if len(b) == 0 {
		return map[SiteID]uint64{}, nil
	}
	var sv map[SiteID]uint64
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&sv); err != nil {
		return nil, fmt.Errorf("crdt: decode state vector: %w", err)
	}
	return sv, nil
}

// Diff returns the minimal Update a peer holding remoteSV needs to catch
// up to this replica's current state. Used as the SYNC/step2 payload.
func (d *Doc) Diff(remoteSV map[SiteID]uint64) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	missing := make([]op, 0)
	for _, o := range d.ops {
		if o.ID.Counter > remoteSV[o.ID.Site] {
			missing = append(missing, o)
		}
	}
	return encodeOps(missing)
}

// Encode returns a Snapshot capturing this replica's full causal history.
// Applying it to a fresh Doc with NewFromSnapshot reproduces identical
// observable state, because replay is deterministic given (origin, id).
func (d *Doc) Encode() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]op, len(d.ops))
	copy(cp, d.ops)
	return Snapshot(encodeOps(cp))
}

func encodeOps(ops []op) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func decodeOps(b []byte) ([]op, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var ops []op
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}
