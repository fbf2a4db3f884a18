// Package upstream forwards Messages calls to the Anthropic API and relays
// the response to the client unchanged, while extracting usage, tool calls,
// and stop data for persistence.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/telemetry"
)

const (
	// DefaultBaseURL is the production Anthropic endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// anthropicVersion is injected when the client did not pin one.
	anthropicVersion = "2023-06-01"

	// StatusClientClosed is recorded when the client hangs up before the
	// relay finishes (nginx's 499 convention).
	StatusClientClosed = 499

	// maxResponseBody caps a buffered upstream body. Prevents a malicious or
	// misconfigured upstream from causing unbounded memory allocation.
	maxResponseBody = 32 << 20

	// TaskToolName marks tool invocations that spawn sub-task conversations.
	TaskToolName = "Task"
)

// Forwarder relays Messages calls to the upstream API.
type Forwarder struct {
	baseURL string
	httpc   *http.Client
	timeout time.Duration
	metrics *telemetry.Metrics
}

// New creates a Forwarder with a tuned http.Client. If baseURL is empty, it
// defaults to the production endpoint. If resolver is non-nil, DNS lookups
// are cached. timeout bounds the whole upstream exchange, streaming included.
func New(baseURL string, timeout time.Duration, resolver *dnscache.Resolver, m *telemetry.Metrics) *Forwarder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Forwarder{
		baseURL: baseURL,
		httpc:   &http.Client{Transport: NewTransport(resolver)},
		timeout: timeout,
		metrics: m,
	}
}

// Input is one relay job: the already-read client body plus everything the
// outbound request needs. Body is relayed verbatim; Auth is the selected
// account's header material.
type Input struct {
	Path   string
	Query  string
	Header http.Header
	Body   []byte
	Auth   map[string]string
	Model  string
	Start  time.Time
}

// Forward sends the request upstream and relays the response to w. On
// success the returned Result carries everything the writer persists. A
// non-nil error means nothing was written to w and the caller still owns
// the response.
//
// Connect and DNS failures, and 5xx responses seen before any byte reached
// the client, are retried at most twice (250ms, then 1s). Once the first
// byte is out, the relay finishes whatever way the stream does.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, in Input) (*palantir.Result, error) {
	reqCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target := f.baseURL + in.Path
	if in.Query != "" {
		target += "?" + in.Query
	}

	upstreamStart := time.Now()

	var resp *http.Response
	attempt := 0
	err := retry.Do(ctx, retrySchedule(), func(ctx context.Context) error {
		if attempt > 0 {
			f.metrics.UpstreamRetries.Inc()
			slog.Debug("retrying upstream request",
				"request_id", palantir.RequestIDFromContext(ctx), "attempt", attempt)
		}
		attempt++

		out, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(in.Body))
		if err != nil {
			return fmt.Errorf("build upstream request: %w", err)
		}
		outboundHeaders(out.Header, in.Header, in.Auth)

		r, err := f.httpc.Do(out)
		if err != nil {
			// Transport-level failure: no response started, safe to retry.
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if r.StatusCode >= 500 {
			// Keep the response so the last attempt's 5xx can still be
			// relayed verbatim when the schedule runs out.
			stash(&resp, r)
			return retry.RetryableError(fmt.Errorf("upstream status %d", r.StatusCode))
		}
		stash(&resp, r)
		return nil
	})
	if resp == nil {
		f.metrics.UpstreamErrors.WithLabelValues("network").Inc()
		if reqCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", palantir.ErrCancelled, err)
		}
		return nil, fmt.Errorf("%w: %v", palantir.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.metrics.UpstreamErrors.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	res := &palantir.Result{
		Status:  resp.StatusCode,
		Model:   in.Model,
		Headers: headerSnapshot(resp.Header),
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		res.Streaming = true
		f.relayStream(reqCtx, w, resp, in, res)
	} else if err := f.relayBuffered(reqCtx, w, resp, in, res); err != nil {
		return nil, err
	}

	res.DurationMS = time.Since(in.Start).Milliseconds()
	f.metrics.UpstreamDuration.WithLabelValues(in.Model).Observe(time.Since(upstreamStart).Seconds())
	return res, nil
}

// relayBuffered reads the whole upstream body, relays it verbatim, and
// parses it once for the persisted record. The body is read before anything
// is written, so a failed read still leaves the response to the caller.
func (f *Forwarder) relayBuffered(reqCtx context.Context, w http.ResponseWriter, resp *http.Response, in Input, res *palantir.Result) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if reqCtx.Err() != nil {
			return fmt.Errorf("%w: %v", palantir.ErrCancelled, err)
		}
		return fmt.Errorf("%w: read upstream response: %v", palantir.ErrUpstream, err)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, werr := w.Write(body); werr != nil {
		res.Status = StatusClientClosed
		res.ErrorMessage = palantir.ErrCancelled.Error()
	} else {
		res.FirstByte = true
	}

	res.ResponseBody = body
	if resp.StatusCode < 400 {
		parseMessage(body, res)
	} else if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		res.ErrorMessage = msg.String()
	} else if res.ErrorMessage == "" {
		res.ErrorMessage = fmt.Sprintf("upstream status %d", resp.StatusCode)
	}
	return nil
}

// parseMessage extracts the persisted fields from a buffered Messages
// response body.
func parseMessage(body []byte, res *palantir.Result) {
	root := gjson.ParseBytes(body)

	if m := root.Get("model"); m.Exists() {
		res.Model = m.String()
	}
	res.StopReason = root.Get("stop_reason").String()
	if u := root.Get("usage"); u.Exists() && u.Type == gjson.JSON {
		res.Usage = usageFromJSON(u)
	}

	var (
		texts []string
		tools []toolCall
		tasks []toolCall
	)
	root.Get("content").ForEach(func(_, blk gjson.Result) bool {
		switch blk.Get("type").String() {
		case "text":
			texts = append(texts, blk.Get("text").String())
		case "tool_use":
			tc := toolCall{
				Name:  blk.Get("name").String(),
				ID:    blk.Get("id").String(),
				Input: rawOrEmpty(blk.Get("input").Raw),
			}
			tools = append(tools, tc)
			if tc.Name == TaskToolName {
				tasks = append(tasks, tc)
			}
		}
		return true
	})
	res.Content = strings.Join(texts, "\n")
	res.ToolCallCount = len(tools)
	res.ToolCalls = marshalCalls(tools)
	res.TaskToolInvocation = marshalCalls(tasks)
}

// toolCall is the persisted shape of one tool_use block. Sub-task detection
// probes Task entries by input.prompt, so Input keeps the upstream JSON.
type toolCall struct {
	Name  string          `json:"name"`
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

func marshalCalls(calls []toolCall) json.RawMessage {
	if len(calls) == 0 {
		return nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return nil
	}
	return b
}

func rawOrEmpty(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

// usageFromJSON reads the token fields of a usage object, preserving the
// raw object for durable storage.
func usageFromJSON(u gjson.Result) palantir.Usage {
	return palantir.Usage{
		InputTokens:              u.Get("input_tokens").Int(),
		OutputTokens:             u.Get("output_tokens").Int(),
		CacheCreationInputTokens: u.Get("cache_creation_input_tokens").Int(),
		CacheReadInputTokens:     u.Get("cache_read_input_tokens").Int(),
		Raw:                      json.RawMessage(u.Raw),
	}
}

// retrySchedule yields the fixed pre-first-byte delays: 250ms, then 1s.
func retrySchedule() retry.Backoff {
	delays := []time.Duration{250 * time.Millisecond, time.Second}
	n := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if n == len(delays) {
			return 0, true
		}
		d := delays[n]
		n++
		return d, false
	})
}

// stash replaces the held response, draining the predecessor so its
// connection can be reused.
func stash(resp **http.Response, r *http.Response) {
	if prev := *resp; prev != nil {
		io.Copy(io.Discard, io.LimitReader(prev.Body, 4<<10)) //nolint:errcheck
		prev.Body.Close()
	}
	*resp = r
}
