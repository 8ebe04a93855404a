package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/linkerd/collab-server/internal/collab"
)

const sendBufferSize = 256

// transport implements collab.Sender over one gorilla/websocket
// connection. All writes — data frames and control pings alike — happen
// on the single writeLoop goroutine, so the connection is never written
// to concurrently (the spec's own requirement for connection safety).
type transport struct {
	id string
	ws *websocket.Conn

	send chan []byte
	ping chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newTransport(ws *websocket.Conn) *transport {
	return &transport{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		ping:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// SendBinary enqueues frame for delivery. If the send buffer is full —
// this connection isn't keeping up with broadcasts — it fails rather
// than blocking the caller (normally the Document's serialized handler).
func (t *transport) SendBinary(frame []byte) error {
	select {
	case <-t.closed:
		return fmt.Errorf("gateway: send on closed transport %s", t.id)
	default:
	}
	select {
	case t.send <- frame:
		return nil
	default:
		return fmt.Errorf("gateway: send buffer full for %s", t.id)
	}
}

// Ping requests a heartbeat ping on the next writeLoop iteration. A ping
// already queued and not yet sent is left as-is.
func (t *transport) Ping() error {
	select {
	case <-t.closed:
		return fmt.Errorf("gateway: ping on closed transport %s", t.id)
	case t.ping <- struct{}{}:
	default:
	}
	return nil
}

func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.ws.Close()
	})
	return nil
}

func (t *transport) close() { _ = t.Close() }

func (t *transport) RemoteAddr() string {
	if addr := t.ws.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// writeLoop is the sole writer of this connection's underlying socket.
func (t *transport) writeLoop() {
	defer t.ws.Close()
	for {
		select {
		case <-t.closed:
			return
		case frame, ok := <-t.send:
			if !ok {
				return
			}
			if err := t.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-t.ping:
			if err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// heartbeatLoop sends a ping every interval and closes the connection if
// the previous ping went unanswered by the next tick.
func (t *transport) heartbeatLoop(conn *collab.Conn, interval time.Duration) {
	t.ws.SetPongHandler(func(string) error {
		conn.MarkPong()
		return nil
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sentFirstPing := false
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			if sentFirstPing && !conn.CheckAndResetPong() {
				log.WithField("conn", t.id).Warn("gateway: no pong observed, closing connection")
				t.Close()
				return
			}
			sentFirstPing = true
			_ = t.Ping()
		}
	}
}
