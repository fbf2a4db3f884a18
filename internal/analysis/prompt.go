package analysis

import (
	"strings"

	"github.com/tidwall/gjson"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/tokencount"
)

// maxConversationRequests bounds how much of a conversation is loaded for
// one analysis pass.
const maxConversationRequests = 50

const (
	truncationMarker = "[…conversation truncated…]"
	contentTruncated = "[CONTENT TRUNCATED]"
)

// promptMessage is one transcript entry. The synthetic truncation marker has
// no role and renders bare.
type promptMessage struct {
	role string
	text string
}

func (m promptMessage) render() string {
	if m.role == "" {
		return m.text
	}
	return m.role + ": " + m.text
}

func (m promptMessage) cost() int {
	return tokencount.EstimateMessage(m.render())
}

func totalCost(msgs []promptMessage) int {
	total := 0
	for _, m := range msgs {
		total += m.cost()
	}
	return total
}

// transcript renders a conversation branch as alternating Human/Assistant
// messages. Each stored request contributes its newest inbound message (the
// rest of its messages array repeats history already covered by earlier
// rows) and the assistant reply.
func transcript(reqs []palantir.APIRequest) []promptMessage {
	var out []promptMessage
	for _, r := range reqs {
		msgs := gjson.GetBytes(r.InputBody, "messages").Array()
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			if text := contentText(last.Get("content")); text != "" {
				role := "Human"
				if last.Get("role").String() == "assistant" {
					role = "Assistant"
				}
				out = append(out, promptMessage{role: role, text: text})
			}
		}
		if len(r.ResponseBody) > 0 {
			if text := contentText(gjson.GetBytes(r.ResponseBody, "content")); text != "" {
				out = append(out, promptMessage{role: "Assistant", text: text})
			}
		}
	}
	return out
}

// contentText flattens a Messages API content value, which is either a plain
// string or an array of typed blocks.
func contentText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var parts []string
	v.ForEach(func(_, blk gjson.Result) bool {
		switch blk.Get("type").String() {
		case "text":
			if s := blk.Get("text").String(); s != "" {
				parts = append(parts, s)
			}
		case "tool_use":
			parts = append(parts, "[tool_use: "+blk.Get("name").String()+"]")
		case "tool_result":
			if s := contentText(blk.Get("content")); s != "" {
				parts = append(parts, "[tool_result] "+s)
			} else {
				parts = append(parts, "[tool_result]")
			}
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// truncate enforces the prompt token budget. The first head and last tail
// messages survive; a dropped middle is replaced by a single marker message.
// A tail that alone exceeds the budget loses messages from its own head, and
// a lone over-budget message keeps a cut body with a trailing suffix.
func truncate(msgs []promptMessage, head, tail, budget int) []promptMessage {
	if totalCost(msgs) <= budget {
		return msgs
	}
	var h, t []promptMessage
	if len(msgs) > head+tail {
		h, t = msgs[:head], msgs[len(msgs)-tail:]
	} else {
		t = msgs
	}
	marker := promptMessage{text: truncationMarker}
	for {
		elided := len(h)+len(t) < len(msgs)
		out := make([]promptMessage, 0, len(h)+len(t)+1)
		out = append(out, h...)
		if elided {
			out = append(out, marker)
		}
		out = append(out, t...)
		if totalCost(out) <= budget {
			return out
		}
		switch {
		case len(h) > 0:
			h = h[:len(h)-1]
		case len(t) > 1:
			t = t[1:]
		default:
			allowance := budget
			if elided {
				allowance -= marker.cost()
			}
			cut := cutToFit(t[0], allowance)
			if elided {
				return []promptMessage{marker, cut}
			}
			return []promptMessage{cut}
		}
	}
}

// cutToFit trims the message body until the rendered message fits allowance
// tokens, appending the truncation suffix.
func cutToFit(m promptMessage, allowance int) promptMessage {
	cut := m
	keep := min(len(m.text), allowance*4)
	for {
		cut.text = strings.ToValidUTF8(m.text[:keep], "") + contentTruncated
		if cut.cost() <= allowance || keep == 0 {
			return cut
		}
		keep -= (cut.cost() - allowance) * 4
		if keep < 0 {
			keep = 0
		}
	}
}

// renderPrompt joins transcript messages into the analysis prompt body.
func renderPrompt(msgs []promptMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.render()
	}
	return strings.Join(parts, "\n\n")
}
