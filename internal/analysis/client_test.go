package analysis

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func modelResponse(text string) string {
	b, _ := json.Marshal(map[string]any{
		"id":    "msg_analysis",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-3-5-haiku-latest",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"usage": map[string]any{"input_tokens": 210, "output_tokens": 44},
	})
	return string(b)
}

func TestClientAnalyze(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-ant-analysis" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, modelResponse(`{"summary":"debugging a flaky test","topics":["go","testing"],"sentiment":"neutral"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-ant-analysis", "claude-3-5-haiku-latest")
	a, usage, err := c.Analyze(t.Context(), "Human: why is this test flaky?")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if a.Summary != "debugging a flaky test" {
		t.Errorf("summary = %q", a.Summary)
	}
	if len(a.Topics) != 2 || a.Topics[0] != "go" {
		t.Errorf("topics = %v", a.Topics)
	}
	if a.Sentiment != "neutral" {
		t.Errorf("sentiment = %q", a.Sentiment)
	}
	if usage.InputTokens != 210 || usage.OutputTokens != 44 {
		t.Errorf("usage = %+v", usage)
	}

	var req struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		System    string `json:"system"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Model != "claude-3-5-haiku-latest" || req.MaxTokens != maxOutputTokens {
		t.Errorf("model/max_tokens = %q/%d", req.Model, req.MaxTokens)
	}
	if !strings.Contains(req.System, `"summary"`) {
		t.Error("system prompt does not pin the output schema")
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "Human: why is this test flaky?" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestClientAnalyzeSchemaViolation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, modelResponse(`{"summary":"something","topics":["a"]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "m")
	_, usage, err := c.Analyze(t.Context(), "prompt")

	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("err = %v, want *SchemaError", err)
	}
	if schemaErr.Reason != "missing sentiment" {
		t.Errorf("reason = %q", schemaErr.Reason)
	}
	// Usage still comes back so the failed attempt is accounted for.
	if usage.InputTokens != 210 {
		t.Errorf("usage input = %d, want 210", usage.InputTokens)
	}
}

func TestClientAnalyzeUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"type":"overloaded_error","message":"Overloaded"}}`) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "m")
	_, _, err := c.Analyze(t.Context(), "prompt")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "Overloaded") {
		t.Errorf("err = %v", err)
	}
}

func TestParseAnalysis(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		text       string
		wantReason string // empty means success
	}{
		{
			name: "plain object",
			text: `{"summary":"s","topics":[],"sentiment":"positive"}`,
		},
		{
			name: "fenced json",
			text: "```json\n{\"summary\":\"s\",\"topics\":[\"t\"],\"sentiment\":\"negative\"}\n```",
		},
		{
			name:       "prose instead of json",
			text:       "The conversation was about Go.",
			wantReason: "not valid JSON",
		},
		{
			name:       "missing summary",
			text:       `{"topics":[],"sentiment":"neutral"}`,
			wantReason: "missing summary",
		},
		{
			name:       "missing topics",
			text:       `{"summary":"s","sentiment":"neutral"}`,
			wantReason: "missing topics",
		},
		{
			name:       "wrong topics type",
			text:       `{"summary":"s","topics":"go","sentiment":"neutral"}`,
			wantReason: "not valid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := parseAnalysis(tt.text)
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("parseAnalysis: %v", err)
				}
				if a.Summary != "s" {
					t.Errorf("summary = %q", a.Summary)
				}
				return
			}
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("err = %v, want *SchemaError", err)
			}
			if schemaErr.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", schemaErr.Reason, tt.wantReason)
			}
		})
	}
}
