package admin

import (
	"net/http/httptest"
	"testing"
)

func TestReadyReturns503UntilFlagIsSet(t *testing.T) {
	ready := false
	srv := NewServer(":0", false, &ready)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	if w.Code != 503 {
		t.Fatalf("status before ready = %d, want 503", w.Code)
	}

	ready = true
	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status after ready = %d, want 200", w.Code)
	}
}

func TestPingAlwaysOk(t *testing.T) {
	srv := NewServer(":0", false, nil)
	req := httptest.NewRequest("GET", "/ping", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	if w.Code != 200 || w.Body.String() != "pong\n" {
		t.Fatalf("ping response = %d %q", w.Code, w.Body.String())
	}
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	srv := NewServer(":0", false, nil)
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("metrics status = %d", w.Code)
	}
}
