package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	palantir "github.com/eugener/palantir/internal"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	callTimeout      = 60 * time.Second
	maxOutputTokens  = 2048
)

// systemPrompt pins the output contract that parseAnalysis checks.
const systemPrompt = `You are a conversation analyst. Summarize the following conversation between a human and an AI assistant. Respond with a single JSON object and no surrounding prose, with exactly these fields:
  "summary": string, a concise factual summary of the conversation
  "topics": array of strings, the main topics discussed
  "sentiment": string, one of "positive", "neutral", "negative"`

// Analysis is the schema-checked model output.
type Analysis struct {
	Summary   string   `json:"summary"`
	Topics    []string `json:"topics"`
	Sentiment string   `json:"sentiment"`
}

// SchemaError reports model output that failed validation. Callers treat it
// like any other transient failure: a retry usually yields well-formed
// output.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string { return "analysis: bad model output: " + e.Reason }

// Client calls the analysis model over the Messages API.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	httpc   *http.Client
}

// NewClient creates a Client. An empty baseURL defaults to the public API.
func NewClient(baseURL, apiKey, model string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpc:   &http.Client{Timeout: callTimeout},
	}
}

// Analyze sends the rendered transcript and returns the parsed result plus
// the call's token usage.
func (c *Client) Analyze(ctx context.Context, prompt string) (*Analysis, palantir.Usage, error) {
	body, err := json.Marshal(map[string]any{
		"model":      c.model,
		"max_tokens": maxOutputTokens,
		"system":     systemPrompt,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return nil, palantir.Usage{}, fmt.Errorf("analysis: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, palantir.Usage{}, fmt.Errorf("analysis: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, palantir.Usage{}, fmt.Errorf("analysis: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, palantir.Usage{}, parseAPIError(resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, palantir.Usage{}, fmt.Errorf("analysis: read response: %w", err)
	}

	usage := palantir.Usage{
		InputTokens:  gjson.GetBytes(respBody, "usage.input_tokens").Int(),
		OutputTokens: gjson.GetBytes(respBody, "usage.output_tokens").Int(),
	}

	a, err := parseAnalysis(gjson.GetBytes(respBody, "content.0.text").String())
	if err != nil {
		return nil, usage, err
	}
	return a, usage, nil
}

// parseAnalysis validates the model's text against the expected shape.
// Markdown code fences around the JSON are tolerated.
func parseAnalysis(text string) (*Analysis, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var a Analysis
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return nil, &SchemaError{Reason: "not valid JSON"}
	}
	if a.Summary == "" {
		return nil, &SchemaError{Reason: "missing summary"}
	}
	if a.Topics == nil {
		return nil, &SchemaError{Reason: "missing topics"}
	}
	if a.Sentiment == "" {
		return nil, &SchemaError{Reason: "missing sentiment"}
	}
	return &a, nil
}

// parseAPIError reads up to 4KB of an error response body.
func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return fmt.Errorf("analysis: upstream status %d: %s", resp.StatusCode, msg)
}
