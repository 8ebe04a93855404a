// Package gateway implements the WebSocket upgrade endpoint: parses
// docId/token from the request, calls out to the metadata service's
// access-check endpoint, and on success hands a collab.Conn to the Hub.
// The buffered Send-channel-plus-writer-goroutine shape for the
// transport follows other_examples/ac4d14e8_..._document.go.go's
// gorilla/websocket Client; the access-check-before-upgrade flow follows
// the teacher's controller/tap/apiserver.go request-validation-before-
// streaming pattern.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/linkerd/collab-server/internal/collab"
)

// AccessChecker calls the external metadata service to decide whether
// token may access docID.
type AccessChecker interface {
	CheckAccess(ctx context.Context, docID, token string) (allowed bool, err error)
}

// HTTPAccessChecker implements AccessChecker against
// "{baseURL}/sharing/document/{docId}/check-access".
type HTTPAccessChecker struct {
	BaseURL string
	Timeout time.Duration
	client  *http.Client
}

// NewHTTPAccessChecker builds a checker with a bounded per-call deadline.
func NewHTTPAccessChecker(baseURL string, timeout time.Duration) *HTTPAccessChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPAccessChecker{BaseURL: baseURL, Timeout: timeout, client: &http.Client{Timeout: timeout}}
}

func (a *HTTPAccessChecker) CheckAccess(ctx context.Context, docID, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/sharing/document/%s/check-access", a.BaseURL, docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("gateway: build access-check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("gateway: access-check %s: %w", docID, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Hub is the subset of collab.Hub the gateway depends on.
type Hub interface {
	GetOrCreate(ctx context.Context, docID string) (*collab.Document, error)
	PingInterval() time.Duration
}

// Server serves the WebSocket upgrade endpoint and the health check.
type Server struct {
	hub      Hub
	checker  AccessChecker
	upgrader websocket.Upgrader
}

// New builds a gateway Server.
func New(hub Hub, checker AccessChecker) *Server {
	return &Server{
		hub:     hub,
		checker: checker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes registers the gateway's handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleUpgrade)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleUpgrade parses docId from the path, checks access, and on
// success upgrades the connection and hands it to the Hub.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	docID := strings.Trim(r.URL.Path, "/")
	if docID == "" || strings.Contains(docID, "/") {
		http.Error(w, "missing or invalid document id", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	allowed, err := s.checker.CheckAccess(r.Context(), docID, token)
	if err != nil {
		log.WithError(err).WithField("doc", docID).Warn("gateway: access-check failed")
		http.Error(w, "access check unavailable", http.StatusForbidden)
		return
	}
	if !allowed {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}

	doc, err := s.hub.GetOrCreate(r.Context(), docID)
	if err != nil {
		log.WithError(err).WithField("doc", docID).Error("gateway: failed to host document")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithField("doc", docID).Warn("gateway: upgrade failed")
		return
	}

	t := newTransport(wsConn)
	conn := collab.NewConn(t.id, t)
	doc.Join(conn)

	go t.writeLoop()
	s.readLoop(doc, conn, t)
}

// readLoop pumps incoming frames from the client into the Document until
// the connection fails or is closed, then unregisters it. One goroutine
// per connection, matching the gorilla/websocket idiom of a dedicated
// read pump and a dedicated write pump.
func (s *Server) readLoop(doc *collab.Document, conn *collab.Conn, t *transport) {
	defer func() {
		doc.Leave(conn)
		t.close()
	}()

	pingInterval := s.hub.PingInterval()
	if pingInterval > 0 {
		go t.heartbeatLoop(conn, pingInterval)
	}

	for {
		messageType, data, err := t.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := doc.HandleFrame(conn, data); err != nil {
			log.WithError(err).WithField("conn", conn.ID).Warn("gateway: invalid client message, closing connection")
			return
		}
	}
}
