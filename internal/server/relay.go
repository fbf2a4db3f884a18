package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/messages"
	"github.com/eugener/palantir/internal/upstream"
	"github.com/eugener/palantir/internal/writer"
)

// maxRequestBody caps the inbound body; Messages payloads carry base64
// images, so the ceiling is generous.
const maxRequestBody = 32 << 20

// bodyPool recycles read buffers across requests.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// handleMessages is the relay pipeline: parse, classify, link, pick an
// account, forward, then hand the outcome to the writer and notifier. The
// response the client sees is the upstream's, byte for byte.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenant := palantir.TenantFromContext(ctx)
	if tenant == nil {
		s.writeError(w, r, palantir.ErrAuthentication)
		return
	}

	raw, err := readBody(w, r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.reject(w, r, http.StatusRequestEntityTooLarge, "invalid_request_error",
				fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: read request body: %v", palantir.ErrValidation, err))
		return
	}

	body, err := messages.Parse(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec := &palantir.APIRequest{
		RequestID:    palantir.RequestIDFromContext(ctx),
		Domain:       tenant.Domain,
		Timestamp:    start.UTC(),
		Method:       r.Method,
		Endpoint:     r.URL.Path,
		RequestType:  messages.Classify(body),
		Model:        body.Model,
		InputBody:    body.Raw(),
		MessageCount: len(body.Messages),
		ClientIP:     clientIP(r),
		UserAgent:    r.UserAgent(),
	}

	if rec.RequestType == palantir.RequestQuota {
		s.handleQuota(w, r, rec, start)
		return
	}

	link, err := s.deps.Linker.Link(ctx, tenant.Domain, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec.ConversationID = link.ConversationID
	rec.BranchID = link.BranchID
	rec.ParentRequestID = link.ParentRequestID
	rec.SystemHash = link.SystemHash
	rec.CurrentMessageHash = link.CurrentMessageHash
	rec.ParentMessageHash = link.ParentMessageHash
	rec.IsSubtask = link.IsSubtask
	rec.ParentTaskRequestID = link.ParentTaskRequestID

	desc, err := s.deps.Creds.Resolve(ctx, r.Host)
	if err != nil {
		s.fail(w, r, rec, start, err)
		return
	}
	accounts, err := s.deps.Creds.Accounts(ctx, desc)
	if err != nil {
		s.fail(w, r, rec, start, err)
		return
	}
	account, err := s.deps.Pool.Select(tenant.Domain, accounts, link.ConversationID, link.BranchID)
	if err != nil {
		s.countSelect(tenant.Domain, "exhausted")
		s.fail(w, r, rec, start, err)
		return
	}
	s.countSelect(tenant.Domain, "selected")
	rec.AccountID = account.AccountID
	rec.AccountName = account.Name

	material, err := s.deps.Creds.Material(ctx, account)
	if err != nil {
		s.fail(w, r, rec, start, err)
		return
	}

	// Linkage headers go out before the first body byte; once the relay
	// starts writing, the header map is sealed.
	h := w.Header()
	h["X-Conversation-Id"] = []string{link.ConversationID}
	h["X-Branch-Id"] = []string{link.BranchID}
	if link.ParentRequestID != nil {
		h["X-Parent-Request-Id"] = []string{*link.ParentRequestID}
	}

	res, err := s.deps.Upstream.Forward(ctx, w, upstream.Input{
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header,
		Body:   raw,
		Auth:   material.Headers,
		Model:  body.Model,
		Start:  start,
	})
	if err != nil {
		// Nothing reached the client yet, so the response is still ours. A
		// disconnected client gets no reply, only a partial record.
		if errors.Is(err, palantir.ErrCancelled) {
			s.persistFailure(rec, upstream.StatusClientClosed, start, err)
			return
		}
		s.fail(w, r, rec, start, err)
		return
	}

	s.finish(ctx, rec, res, body, desc.NotifyURL)
}

// readBody buffers the inbound body through a pooled buffer, bounded by
// maxRequestBody. The returned slice is an owned copy.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	defer bodyPool.Put(buf)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// fail answers the client with the mapped error and persists the attempt.
func (s *server) fail(w http.ResponseWriter, r *http.Request, rec *palantir.APIRequest, start time.Time, err error) {
	s.writeError(w, r, err)
	status, _ := errorKind(err)
	s.persistFailure(rec, status, start, err)
}

// persistFailure records a relay that never produced an upstream response.
func (s *server) persistFailure(rec *palantir.APIRequest, status int, start time.Time, err error) {
	rec.ResponseStatus = status
	rec.DurationMS = time.Since(start).Milliseconds()
	msg := err.Error()
	rec.ErrorMessage = &msg
	s.count(rec.Domain, rec.RequestType, status)
	s.deps.Writer.Enqueue(writer.Record{Request: rec})
}

// finish folds the relay outcome into the record, queues persistence, and
// fires the notification hook for inference turns.
func (s *server) finish(ctx context.Context, rec *palantir.APIRequest, res *palantir.Result, body *messages.Body, notifyURL string) {
	rec.ResponseStatus = res.Status
	rec.ResponseHeaders = res.Headers
	rec.ResponseBody = res.ResponseBody
	rec.StopReason = res.StopReason
	rec.DurationMS = res.DurationMS
	rec.Streaming = res.Streaming
	if res.FirstTokenMS > 0 {
		ft := res.FirstTokenMS
		rec.FirstTokenMS = &ft
	}
	if res.Model != "" {
		rec.Model = res.Model
	}
	rec.InputTokens = res.Usage.InputTokens
	rec.OutputTokens = res.Usage.OutputTokens
	rec.CacheCreationInputTokens = res.Usage.CacheCreationInputTokens
	rec.CacheReadInputTokens = res.Usage.CacheReadInputTokens
	rec.FullUsageData = res.Usage.Raw
	rec.ToolCallCount = res.ToolCallCount
	rec.ToolCalls = res.ToolCalls
	rec.TaskToolInvocation = res.TaskToolInvocation
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		rec.ErrorMessage = &msg
	}

	var chunks []palantir.StreamingChunk
	if len(res.Frames) > 0 {
		chunks = make([]palantir.StreamingChunk, len(res.Frames))
		for i, frame := range res.Frames {
			chunks[i] = palantir.StreamingChunk{
				RequestID:  rec.RequestID,
				ChunkIndex: i,
				Data:       frame,
				CreatedAt:  rec.Timestamp,
			}
		}
	}

	s.count(rec.Domain, rec.RequestType, res.Status)
	s.observe(rec.Domain, res.Streaming, res.DurationMS)
	s.deps.Writer.Enqueue(writer.Record{Request: rec, Chunks: chunks})

	if s.deps.Notify != nil && rec.RequestType == palantir.RequestInference {
		s.deps.Notify.Notify(ctx, notifyURL, rec, messages.NotificationText(body, rec.RequestType))
	}
}

// clientIP strips the port from RemoteAddr. Forwarding headers never
// participate; the socket peer is what gets recorded.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusText maps HTTP status codes to pre-allocated strings,
// avoiding a strconv.Itoa allocation per request.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

func statusLabel(code int) string {
	if code < 0 || code >= len(statusText) {
		return strconv.Itoa(code)
	}
	return statusText[code]
}

func (s *server) count(domain string, rt palantir.RequestType, status int) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.RequestsTotal.WithLabelValues(domain, string(rt), statusLabel(status)).Inc()
}

func (s *server) observe(domain string, streaming bool, durationMS int64) {
	if s.deps.Metrics == nil {
		return
	}
	label := "false"
	if streaming {
		label = "true"
	}
	s.deps.Metrics.RequestDuration.WithLabelValues(domain, label).Observe(float64(durationMS) / 1000)
}

func (s *server) countSelect(domain, outcome string) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.PoolSelects.WithLabelValues(domain, outcome).Inc()
}
