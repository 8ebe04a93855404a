// Package admin serves the process's operational HTTP surface:
// Prometheus metrics, liveness/readiness, and (optionally) pprof
// profiling endpoints. Adapted from the teacher's pkg/admin with a
// readiness flag wired in: collab-server and snapshot-worker each flip it
// once their components are built and their listener or worker loop has
// been started.
package admin

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type handler struct {
	promHandler http.Handler
	enablePprof bool
	ready       *bool
}

// NewServer returns an initialized http.Server bound to addr. ready, if
// non-nil, is polled by /ready: while it reads false, /ready answers 503.
func NewServer(addr string, enablePprof bool, ready *bool) *http.Server {
	h := &handler{
		promHandler: promhttp.Handler(),
		enablePprof: enablePprof,
		ready:       ready,
	}

	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	debugPathPrefix := "/debug/pprof/"
	if h.enablePprof && strings.HasPrefix(req.URL.Path, debugPathPrefix) {
		switch req.URL.Path {
		case fmt.Sprintf("%scmdline", debugPathPrefix):
			pprof.Cmdline(w, req)
		case fmt.Sprintf("%sprofile", debugPathPrefix):
			pprof.Profile(w, req)
		case fmt.Sprintf("%strace", debugPathPrefix):
			pprof.Trace(w, req)
		case fmt.Sprintf("%ssymbol", debugPathPrefix):
			pprof.Symbol(w, req)
		default:
			pprof.Index(w, req)
		}
		return
	}
	switch req.URL.Path {
	case "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/ping":
		h.servePing(w)
	case "/ready":
		h.serveReady(w)
	default:
		http.NotFound(w, req)
	}
}

func (h *handler) servePing(w http.ResponseWriter) {
	w.Write([]byte("pong\n"))
}

func (h *handler) serveReady(w http.ResponseWriter) {
	if h.ready != nil && !*h.ready {
		http.Error(w, "not ready\n", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}
