package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/sse"
)

// relayStream pipes upstream SSE frames to the client byte-identically,
// flushing after every frame, while a state machine reassembles the message
// for persistence. Once the status line is out the relay never aborts the
// response; whatever goes wrong is recorded on res instead.
func (f *Forwarder) relayStream(reqCtx context.Context, w http.ResponseWriter, resp *http.Response, in Input, res *palantir.Result) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	st := newStreamState()
	rd := sse.NewReader(resp.Body)
	for {
		ev, err := rd.Next()
		if ev != nil {
			if !res.FirstByte {
				res.FirstByte = true
				res.FirstTokenMS = time.Since(in.Start).Milliseconds()
				f.metrics.FirstTokenSeconds.WithLabelValues(in.Model).
					Observe(time.Since(in.Start).Seconds())
			}
			if _, werr := io.WriteString(w, ev.Raw); werr != nil {
				res.Status = StatusClientClosed
				res.ErrorMessage = palantir.ErrCancelled.Error()
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			// Heartbeat comments are relayed but carry nothing to record.
			if !ev.Comment {
				res.Frames = append(res.Frames, ev.Raw)
				st.apply(reqCtx, ev)
			}
		}
		if err != nil {
			if err != io.EOF {
				if reqCtx.Err() != nil {
					res.Status = StatusClientClosed
					res.ErrorMessage = palantir.ErrCancelled.Error()
				} else {
					res.ErrorMessage = fmt.Sprintf("stream interrupted: %v", err)
				}
			}
			break
		}
	}
	st.finish(res)
}

// streamState reassembles a Messages response from its SSE frames: usage
// from message_start and message_delta, content blocks from the
// start/delta/stop triples, tool inputs from concatenated input_json_delta
// fragments.
type streamState struct {
	msgID      string
	model      string
	stopReason string
	errMsg     string
	complete   bool

	usage    palantir.Usage
	rawUsage map[string]any

	blocks []*contentBlock
	open   map[int64]*contentBlock

	tools []toolCall
	tasks []toolCall
}

// contentBlock is one entry of the assembled content array. base keeps the
// content_block object from the start frame; text and input accumulate the
// deltas that override its fields.
type contentBlock struct {
	base  json.RawMessage
	typ   string
	id    string
	name  string
	text  strings.Builder
	input strings.Builder
}

func newStreamState() *streamState {
	return &streamState{open: make(map[int64]*contentBlock)}
}

// apply feeds one SSE frame through the state machine. Unknown event types
// are ignored; they were already relayed.
func (st *streamState) apply(ctx context.Context, ev *sse.Event) {
	name := ev.Name
	data := gjson.Parse(ev.Data)
	if name == "" {
		name = data.Get("type").String()
	}

	switch name {
	case "message_start":
		msg := data.Get("message")
		st.msgID = msg.Get("id").String()
		st.model = msg.Get("model").String()
		st.mergeUsage(msg.Get("usage"))

	case "content_block_start":
		idx := data.Get("index").Int()
		cb := data.Get("content_block")
		blk := &contentBlock{
			base: json.RawMessage(cb.Raw),
			typ:  cb.Get("type").String(),
			id:   cb.Get("id").String(),
			name: cb.Get("name").String(),
		}
		st.open[idx] = blk
		st.blocks = append(st.blocks, blk)

	case "content_block_delta":
		blk := st.open[data.Get("index").Int()]
		if blk == nil {
			return
		}
		d := data.Get("delta")
		switch d.Get("type").String() {
		case "text_delta":
			blk.text.WriteString(d.Get("text").String())
		case "input_json_delta":
			blk.input.WriteString(d.Get("partial_json").String())
		}

	case "content_block_stop":
		idx := data.Get("index").Int()
		blk := st.open[idx]
		if blk == nil {
			return
		}
		delete(st.open, idx)
		if blk.typ == "tool_use" {
			st.closeTool(ctx, blk)
		}

	case "message_delta":
		if sr := data.Get("delta.stop_reason"); sr.Exists() {
			st.stopReason = sr.String()
		}
		st.mergeUsage(data.Get("usage"))

	case "message_stop":
		st.complete = true

	case "error":
		st.errMsg = data.Get("error.message").String()
	}
}

// closeTool finalizes a tool_use accumulator. An input that never parses is
// kept as a literal string so the record still shows what arrived.
func (st *streamState) closeTool(ctx context.Context, blk *contentBlock) {
	if s := blk.input.String(); s != "" && !json.Valid([]byte(s)) {
		slog.LogAttrs(ctx, slog.LevelWarn, "tool input is not valid json",
			slog.String("request_id", palantir.RequestIDFromContext(ctx)),
			slog.String("tool", blk.name),
			slog.String("accumulator", truncate(s, 256)))
	}
	raw, err := json.Marshal(blk.inputValue())
	if err != nil {
		return
	}

	tc := toolCall{Name: blk.name, ID: blk.id, Input: raw}
	st.tools = append(st.tools, tc)
	if tc.Name == TaskToolName {
		st.tasks = append(st.tasks, tc)
	}
}

// mergeUsage folds a usage object into the running totals. message_delta
// carries only the fields that changed, so absent keys keep their values.
func (st *streamState) mergeUsage(u gjson.Result) {
	if !u.Exists() || u.Type != gjson.JSON {
		return
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(u.Raw), &m); err != nil {
		return
	}
	if st.rawUsage == nil {
		st.rawUsage = make(map[string]any, len(m))
	}
	for k, v := range m {
		st.rawUsage[k] = v
	}

	if v := u.Get("input_tokens"); v.Exists() {
		st.usage.InputTokens = v.Int()
	}
	if v := u.Get("output_tokens"); v.Exists() {
		st.usage.OutputTokens = v.Int()
	}
	if v := u.Get("cache_creation_input_tokens"); v.Exists() {
		st.usage.CacheCreationInputTokens = v.Int()
	}
	if v := u.Get("cache_read_input_tokens"); v.Exists() {
		st.usage.CacheReadInputTokens = v.Int()
	}
}

// finish copies the machine's state onto the relay result, including the
// reassembled message body.
func (st *streamState) finish(res *palantir.Result) {
	if st.model != "" {
		res.Model = st.model
	}
	res.StopReason = st.stopReason
	res.Usage = st.usage
	if st.rawUsage != nil {
		if b, err := json.Marshal(st.rawUsage); err == nil {
			res.Usage.Raw = b
		}
	}

	var texts []string
	for _, blk := range st.blocks {
		if blk.typ == "text" {
			texts = append(texts, blk.text.String())
		}
	}
	res.Content = strings.Join(texts, "\n")
	res.ToolCallCount = len(st.tools)
	res.ToolCalls = marshalCalls(st.tools)
	res.TaskToolInvocation = marshalCalls(st.tasks)
	res.ResponseBody = st.message()

	if res.ErrorMessage == "" {
		switch {
		case st.errMsg != "":
			res.ErrorMessage = st.errMsg
		case !st.complete && res.Status < 400 && len(res.Frames) > 0:
			res.ErrorMessage = "stream ended before message_stop"
		}
	}
}

// message reassembles the final Messages response body from the captured
// frames. Returns nil when nothing usable arrived.
func (st *streamState) message() json.RawMessage {
	if st.msgID == "" && len(st.blocks) == 0 {
		return nil
	}

	content := make([]any, 0, len(st.blocks))
	for _, blk := range st.blocks {
		content = append(content, blk.value())
	}

	var stop any
	if st.stopReason != "" {
		stop = st.stopReason
	}
	var usage any
	if st.rawUsage != nil {
		usage = st.rawUsage
	}

	b, err := json.Marshal(map[string]any{
		"id":            st.msgID,
		"type":          "message",
		"role":          "assistant",
		"model":         st.model,
		"content":       content,
		"stop_reason":   stop,
		"stop_sequence": nil,
		"usage":         usage,
	})
	if err != nil {
		return nil
	}
	return b
}

// value renders the block for the assembled body: the start frame's object
// with the accumulated deltas folded in.
func (b *contentBlock) value() any {
	var m map[string]any
	if err := json.Unmarshal(b.base, &m); err != nil {
		m = map[string]any{"type": b.typ}
	}
	switch b.typ {
	case "text":
		m["text"] = b.text.String()
	case "tool_use":
		m["input"] = b.inputValue()
	}
	return m
}

// inputValue renders the accumulated tool input: parsed JSON when valid, an
// empty object when nothing arrived, the wrapped literal otherwise.
func (b *contentBlock) inputValue() any {
	s := b.input.String()
	switch {
	case s == "":
		return map[string]string{}
	case json.Valid([]byte(s)):
		return json.RawMessage(s)
	default:
		return map[string]string{"_raw": s}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
