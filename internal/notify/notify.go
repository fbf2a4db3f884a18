// Package notify posts inference results to an external webhook
// collaborator. Delivery is fire-and-forget: a lost notification never
// affects the relay.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cache"
)

const (
	defaultTimeout = 2 * time.Second
	dedupCapacity  = 1000
)

// Event is the webhook payload. The receiving collaborator owns the
// formatting; the proxy only promises these fields.
type Event struct {
	Domain         string    `json:"domain"`
	RequestID      string    `json:"request_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	BranchID       string    `json:"branch_id,omitempty"`
	Model          string    `json:"model,omitempty"`
	AccountID      string    `json:"account_id,omitempty"`
	UserContent    string    `json:"user_content"`
	OutputPreview  string    `json:"output_preview,omitempty"`
	ResponseStatus int       `json:"response_status"`
	OutputTokens   int64     `json:"output_tokens"`
	DurationMS     int64     `json:"duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notifier fires webhook callbacks for inference requests, suppressing
// repeats of the same user content per domain.
type Notifier struct {
	httpc     *http.Client
	globalURL string
	lastSent  *cache.TTL[string, string]
}

// New creates a Notifier. globalURL is the fallback webhook for domains
// whose descriptor does not carry its own; empty disables the fallback.
func New(globalURL string, timeout time.Duration, dedupSize int) (*Notifier, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if dedupSize <= 0 {
		dedupSize = dedupCapacity
	}
	// Dedup entries never expire by time; the capacity bound evicts cold
	// domains.
	lastSent, err := cache.New[string, string](cache.Options{MaxSize: dedupSize})
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Notifier{
		httpc:     &http.Client{Timeout: timeout},
		globalURL: globalURL,
		lastSent:  lastSent,
	}, nil
}

// previewLimit bounds the response text carried in a notification.
const previewLimit = 500

// outputPreview renders the response's text blocks, truncated. Works for
// buffered bodies and reassembled stream bodies alike.
func outputPreview(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var texts []string
	gjson.GetBytes(body, "content").ForEach(func(_, blk gjson.Result) bool {
		if blk.Get("type").String() == "text" {
			texts = append(texts, blk.Get("text").String())
		}
		return true
	})
	s := strings.Join(texts, "\n")
	if r := []rune(s); len(r) > previewLimit {
		s = string(r[:previewLimit]) + "..."
	}
	return s
}

// Notify dispatches a webhook for one completed inference request.
// webhookURL comes from the domain's descriptor and falls back to the
// global URL; empty disables. Consecutive identical user content for the
// same domain is suppressed.
func (n *Notifier) Notify(ctx context.Context, webhookURL string, r *palantir.APIRequest, userContent string) {
	url := webhookURL
	if url == "" {
		url = n.globalURL
	}
	if url == "" {
		return
	}

	if prev, ok := n.lastSent.Get(r.Domain); ok && prev == userContent {
		slog.Debug("notification suppressed, duplicate content",
			slog.String("domain", r.Domain),
			slog.String("request_id", r.RequestID))
		return
	}
	n.lastSent.Set(r.Domain, userContent)

	ev := Event{
		Domain:         r.Domain,
		RequestID:      r.RequestID,
		ConversationID: r.ConversationID,
		BranchID:       r.BranchID,
		Model:          r.Model,
		AccountID:      r.AccountID,
		UserContent:    userContent,
		OutputPreview:  outputPreview(r.ResponseBody),
		ResponseStatus: r.ResponseStatus,
		OutputTokens:   r.OutputTokens,
		DurationMS:     r.DurationMS,
		Timestamp:      r.Timestamp,
	}

	// Detached from the request context: the client response is already
	// written by the time this fires.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.httpc.Timeout)
	go func() {
		defer cancel()
		n.post(nctx, url, ev)
	}()
}

func (n *Notifier) post(ctx context.Context, url string, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notification marshal failed", slog.String("error", err.Error()))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("notification request failed", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err != nil {
		slog.Warn("notification delivery failed",
			slog.String("domain", ev.Domain),
			slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("notification rejected",
			slog.String("domain", ev.Domain),
			slog.Int("status", resp.StatusCode))
	}
}
