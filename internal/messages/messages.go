// Package messages models the Anthropic Messages API request body as far as
// the proxy needs to see it: roles, content blocks, and the system block.
// Everything else stays raw; the relay never re-encodes what it forwards.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"

	palantir "github.com/eugener/palantir/internal"
)

// Body is the parsed view of a Messages API request. Raw fields preserve the
// exact client JSON for hashing and relay.
type Body struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	System   json.RawMessage `json:"system,omitempty"` // string or block array; nil when absent
	Messages []Message       `json:"messages"`

	raw []byte
}

// Message is one conversation turn. Content is either a JSON string or a
// block array; Blocks normalizes the two. Raw keeps the message object
// verbatim, unknown fields included, for canonical hashing.
type Message struct {
	Role    string
	Content json.RawMessage
	Raw     json.RawMessage
}

// UnmarshalJSON captures the verbatim message bytes alongside the parsed
// role and content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var head struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	m.Role = head.Role
	m.Content = head.Content
	m.Raw = data
	return nil
}

// ContentBlock is the tagged view of one content element. Raw always holds
// the block verbatim so unknown block types survive untouched.
type ContentBlock struct {
	Type string
	Text string // set for "text" blocks
	Raw  json.RawMessage
}

// Parse decodes a Messages API request body. The body bytes are retained on
// the returned value; callers must not mutate them afterwards.
func Parse(body []byte) (*Body, error) {
	var b Body
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", palantir.ErrValidation, err)
	}
	if len(b.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", palantir.ErrValidation)
	}
	for i, m := range b.Messages {
		if m.Role == "" {
			return nil, fmt.Errorf("%w: messages[%d] missing role", palantir.ErrValidation, i)
		}
	}
	b.raw = body
	return &b, nil
}

// Raw returns the original body bytes.
func (b *Body) Raw() []byte { return b.raw }

// Blocks returns the message content as a block list. A bare string content
// is returned as a single synthetic text block.
func (m Message) Blocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s, Raw: m.Content}}
	}

	var rawBlocks []json.RawMessage
	if err := json.Unmarshal(m.Content, &rawBlocks); err != nil {
		return nil
	}
	out := make([]ContentBlock, 0, len(rawBlocks))
	for _, rb := range rawBlocks {
		var head struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(rb, &head); err != nil {
			continue
		}
		out = append(out, ContentBlock{Type: head.Type, Text: head.Text, Raw: rb})
	}
	return out
}

// TextParts returns the text of every text block in the message, in order.
func (m Message) TextParts() []string {
	var parts []string
	for _, b := range m.Blocks() {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return parts
}

// Text returns the concatenated text content of the message.
func (m Message) Text() string {
	return strings.Join(m.TextParts(), "\n")
}

// LastUser returns the last user-role message, or nil.
func (b *Body) LastUser() *Message {
	for i := len(b.Messages) - 1; i >= 0; i-- {
		if b.Messages[i].Role == "user" {
			return &b.Messages[i]
		}
	}
	return nil
}

// FirstUserText returns the concatenated text of the first user-role
// message, or "".
func (b *Body) FirstUserText() string {
	for _, m := range b.Messages {
		if m.Role == "user" {
			return m.Text()
		}
	}
	return ""
}

// SystemBlockCount returns the number of system entries contributed by the
// top-level system field: 1 for a string, the element count for an array,
// 0 when absent.
func (b *Body) SystemBlockCount() int {
	if len(b.System) == 0 {
		return 0
	}
	var s string
	if err := json.Unmarshal(b.System, &s); err == nil {
		return 1
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(b.System, &arr); err == nil {
		return len(arr)
	}
	return 0
}
