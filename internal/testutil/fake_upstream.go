package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
)

// UpstreamCall is one request the fake upstream received.
type UpstreamCall struct {
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// FakeUpstream is a scriptable stand-in for the Anthropic Messages API.
// The default script answers every POST with a minimal non-streaming
// message; RespondJSON and RespondSSE replace it.
type FakeUpstream struct {
	srv *httptest.Server

	mu      sync.Mutex
	calls   []UpstreamCall
	handler http.HandlerFunc
}

// NewFakeUpstream starts the fake server. Callers own Close.
func NewFakeUpstream() *FakeUpstream {
	u := &FakeUpstream{}
	u.RespondJSON(http.StatusOK,
		`{"id":"msg_fake","type":"message","role":"assistant","model":"claude-sonnet-4-5",`+
			`"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn",`+
			`"usage":{"input_tokens":1,"output_tokens":1}}`)
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	return u
}

// URL returns the server's base URL.
func (u *FakeUpstream) URL() string { return u.srv.URL }

// Close shuts the server down.
func (u *FakeUpstream) Close() { u.srv.Close() }

func (u *FakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.calls = append(u.calls, UpstreamCall{
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})
	h := u.handler
	u.mu.Unlock()
	h(w, r)
}

// RespondJSON scripts a buffered JSON reply.
func (u *FakeUpstream) RespondJSON(status int, body string) {
	u.setHandler(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
}

// RespondSSE scripts a streaming reply: each frame is written verbatim,
// terminated by a blank line and flushed, the way the real API paces events.
func (u *FakeUpstream) RespondSSE(frames ...string) {
	u.setHandler(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, frame := range frames {
			io.WriteString(w, frame+"\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
}

// Respond installs an arbitrary handler for cases the conveniences do not
// cover (slow responses, mid-stream hangups).
func (u *FakeUpstream) Respond(h http.HandlerFunc) { u.setHandler(h) }

func (u *FakeUpstream) setHandler(h http.HandlerFunc) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

// Calls returns a snapshot of the received requests.
func (u *FakeUpstream) Calls() []UpstreamCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.calls)
}
