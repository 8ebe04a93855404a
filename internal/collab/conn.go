package collab

import (
	"fmt"
	"sync"
)

// ConnState is where a Conn sits in its lifecycle. Transitions only ever
// move forward; there is no path back to an earlier state.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnActive
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnActive:
		return "active"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender is implemented by the transport layer (the websocket gateway) so
// that Conn and Document can push frames and manage liveness without
// importing gorilla/websocket directly.
type Sender interface {
	SendBinary(frame []byte) error
	Ping() error
	Close() error
	RemoteAddr() string
}

// Conn is one connected client's state within a Document: its transport,
// its lifecycle state, and the awareness client ids it owns.
type Conn struct {
	ID     string
	sender Sender

	mu       sync.Mutex
	state    ConnState
	ownedIDs map[AwarenessClientID]struct{}
	sawPong  bool
}

// NewConn wraps a transport Sender. The Conn starts in ConnConnecting;
// the Document moves it to ConnOpen once it has been registered, and to
// ConnActive once its initial sync step1 (and any awareness state) has
// been sent.
func NewConn(id string, sender Sender) *Conn {
	return &Conn{
		ID:       id,
		sender:   sender,
		state:    ConnConnecting,
		ownedIDs: make(map[AwarenessClientID]struct{}),
	}
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// send writes a frame to the client. Any failure transitions the Conn
// straight to Closing and closes the underlying transport; the caller is
// responsible for unregistering the Conn from its Document.
func (c *Conn) send(frame []byte) error {
	if c.State() == ConnClosed {
		return fmt.Errorf("collab: send on closed conn %s", c.ID)
	}
	if err := c.sender.SendBinary(frame); err != nil {
		c.fail()
		return fmt.Errorf("collab: send to %s: %w", c.ID, err)
	}
	return nil
}

// fail transitions the Conn to Closing then Closed and closes the
// transport. Idempotent.
func (c *Conn) fail() {
	c.mu.Lock()
	if c.state == ConnClosed || c.state == ConnClosing {
		c.mu.Unlock()
		return
	}
	c.state = ConnClosing
	c.mu.Unlock()

	_ = c.sender.Close()

	c.mu.Lock()
	c.state = ConnClosed
	c.mu.Unlock()
}

// ownAwarenessID records that this Conn is the owner of id, so it can be
// cleared from the shared Awareness table when the Conn closes.
func (c *Conn) ownAwarenessID(id AwarenessClientID) {
	c.mu.Lock()
	c.ownedIDs[id] = struct{}{}
	c.mu.Unlock()
}

// ownedAwarenessIDs returns every awareness client id this Conn owns.
func (c *Conn) ownedAwarenessIDs() []AwarenessClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]AwarenessClientID, 0, len(c.ownedIDs))
	for id := range c.ownedIDs {
		ids = append(ids, id)
	}
	return ids
}

// MarkPong records that a pong was observed since the last ping, so the
// heartbeat loop knows the peer is still alive. Called by the transport's
// pong handler.
func (c *Conn) MarkPong() {
	c.mu.Lock()
	c.sawPong = true
	c.mu.Unlock()
}

// CheckAndResetPong reports whether a pong was observed since the last
// call, then clears the flag for the next interval.
func (c *Conn) CheckAndResetPong() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := c.sawPong
	c.sawPong = false
	return seen
}
