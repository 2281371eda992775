// Package testutil provides an in-process stand-in for the search service.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// Server is a lightweight local HTTP test server wrapper.
type Server struct {
	URL       string
	listener  net.Listener
	server    *http.Server
	closeOnce sync.Once
}

// Close shuts down the test server.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.server != nil {
			_ = s.server.Close()
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}

// NewIPv4Server creates a local HTTP server bound to 127.0.0.1.
// Tests are skipped when local socket binding is unavailable in the runtime.
func NewIPv4Server(t testing.TB, handler http.Handler) *Server {
	t.Helper()

	listener, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: unable to bind local tcp4 listener: %v", err)
		return nil
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	testServer := &Server{
		URL:      fmt.Sprintf("http://%s", listener.Addr().String()),
		listener: listener,
		server:   server,
	}

	go func() {
		_ = server.Serve(listener)
	}()

	t.Cleanup(testServer.Close)
	return testServer
}

// SearchReply is the JSON body the search service answers with.
type SearchReply struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message"`
	RetrievedDocs []string `json:"retrieved_docs"`
}

// SearchHandler answers every POST /search with Reply and records the
// decoded request bodies and headers.
type SearchHandler struct {
	mu      sync.Mutex
	Reply   SearchReply
	bodies  []map[string]interface{}
	headers []http.Header
}

// ServeHTTP implements http.Handler.
func (h *SearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.bodies = append(h.bodies, body)
	h.headers = append(h.headers, r.Header.Clone())
	reply := h.Reply
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

// Bodies returns the request bodies received so far.
func (h *SearchHandler) Bodies() []map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]interface{}, len(h.bodies))
	copy(out, h.bodies)
	return out
}

// Headers returns the request headers received so far.
func (h *SearchHandler) Headers() []http.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]http.Header, len(h.headers))
	copy(out, h.headers)
	return out
}
