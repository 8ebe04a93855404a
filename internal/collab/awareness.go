package collab

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// AwarenessClientID identifies one ephemeral presence entry (e.g. a
// cursor position or a user's display color), independent of which Conn
// currently owns it.
type AwarenessClientID uint64

type awarenessEntry struct {
	Clock uint64
	State []byte // nil State means "removed"
}

// Awareness holds ephemeral, non-CRDT presence state for one document.
// Unlike doc content it is never persisted and never replicated across
// servers: each server instance tracks awareness only for the Conns it
// directly holds, matching the spec's non-federation of presence data.
type Awareness struct {
	mu      sync.Mutex
	entries map[AwarenessClientID]awarenessEntry
}

// NewAwareness returns an empty awareness table.
func NewAwareness() *Awareness {
	return &Awareness{entries: make(map[AwarenessClientID]awarenessEntry)}
}

// Apply merges an incoming update into the table. Only entries whose
// clock is strictly greater than what's stored are accepted, so a
// reordered or duplicate delivery can't resurrect a removed client.
// It returns the update re-encoded to contain only the entries that were
// actually accepted, for callers that want to rebroadcast just the delta;
// the caller may also choose to simply rebroadcast the original bytes.
func (a *Awareness) Apply(update []byte) ([]byte, error) {
	incoming, err := decodeAwareness(update)
	if err != nil {
		return nil, fmt.Errorf("collab: awareness apply: %w", err)
	}
	return a.applyDecoded(incoming)
}

// applyDecoded is Apply's logic over an already-decoded update, for
// callers (Document.handleAwareness) that also need the decoded map for
// their own purposes and would otherwise decode the same bytes twice.
func (a *Awareness) applyDecoded(incoming map[AwarenessClientID]awarenessEntry) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	accepted := make(map[AwarenessClientID]awarenessEntry)
	for id, e := range incoming {
		cur, ok := a.entries[id]
		if !ok || e.Clock > cur.Clock {
			a.entries[id] = e
			accepted[id] = e
		}
	}
	if len(accepted) == 0 {
		return nil, nil
	}
	return encodeAwareness(accepted)
}

// Remove clears the given client ids (e.g. because their owning Conn
// closed) and returns an update encoding their removal, for broadcast to
// remaining Conns. Ids not present are ignored.
func (a *Awareness) Remove(ids []AwarenessClientID) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := make(map[AwarenessClientID]awarenessEntry)
	for _, id := range ids {
		cur, ok := a.entries[id]
		if !ok {
			continue
		}
		next := awarenessEntry{Clock: cur.Clock + 1, State: nil}
		a.entries[id] = next
		removed[id] = next
	}
	if len(removed) == 0 {
		return nil
	}
	enc, _ := encodeAwareness(removed)
	return enc
}

// Snapshot returns the full current awareness table encoded for a new
// joiner. Returns nil if the table is empty.
func (a *Awareness) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return nil
	}
	enc, _ := encodeAwareness(a.entries)
	return enc
}

func encodeAwareness(m map[AwarenessClientID]awarenessEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("collab: encode awareness: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeAwareness(b []byte) (map[AwarenessClientID]awarenessEntry, error) {
	m := make(map[AwarenessClientID]awarenessEntry)
	if len(b) == 0 {
		return m, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, fmt.Errorf("collab: decode awareness: %w", err)
	}
	return m, nil
}
