package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
)

// FakeWebhook is an httptest sink for notification deliveries.
type FakeWebhook struct {
	srv *httptest.Server

	mu     sync.Mutex
	bodies [][]byte
}

// NewFakeWebhook starts the sink. Callers own Close.
func NewFakeWebhook() *FakeWebhook {
	w := &FakeWebhook{}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		w.bodies = append(w.bodies, body)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	return w
}

// URL returns the sink's URL.
func (w *FakeWebhook) URL() string { return w.srv.URL }

// Close shuts the sink down.
func (w *FakeWebhook) Close() { w.srv.Close() }

// Bodies returns a snapshot of the raw delivered payloads.
func (w *FakeWebhook) Bodies() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.bodies)
}

// Events decodes the delivered payloads as JSON objects.
func (w *FakeWebhook) Events() []map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]map[string]any, 0, len(w.bodies))
	for _, b := range w.bodies {
		var ev map[string]any
		if json.Unmarshal(b, &ev) == nil {
			out = append(out, ev)
		}
	}
	return out
}
