package messages

import (
	"strings"

	palantir "github.com/eugener/palantir/internal"
)

// quotaProbe is the magic user message that short-circuits the relay and
// returns current pool usage instead of forwarding upstream.
const quotaProbe = "quota"

// CountSystemMessages returns the total system-message count used by
// classification: the top-level system block plus any messages with a
// system role.
func CountSystemMessages(b *Body) int {
	n := b.SystemBlockCount()
	for _, m := range b.Messages {
		if m.Role == "system" {
			n++
		}
	}
	return n
}

// IsQuotaProbe reports whether the body is exactly one user message whose
// trimmed text equals "quota", case-insensitively.
func IsQuotaProbe(b *Body) bool {
	var user *Message
	for i := range b.Messages {
		if b.Messages[i].Role != "user" {
			continue
		}
		if user != nil {
			return false
		}
		user = &b.Messages[i]
	}
	if user == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(user.Text()), quotaProbe)
}

// Classify buckets the request: quota probes short-circuit, fewer than two
// system messages means a lightweight query evaluation, anything else is a
// full inference turn.
func Classify(b *Body) palantir.RequestType {
	if IsQuotaProbe(b) {
		return palantir.RequestQuota
	}
	if CountSystemMessages(b) < 2 {
		return palantir.RequestQueryEvaluation
	}
	return palantir.RequestInference
}

// NotificationText extracts the user content reported to the notification
// hook: the text of the last user message. Inference requests wrap the real
// prompt in harness text, so when such a message carries more than two text
// blocks the first and last are dropped.
func NotificationText(b *Body, rt palantir.RequestType) string {
	last := b.LastUser()
	if last == nil {
		return ""
	}
	parts := last.TextParts()
	if rt == palantir.RequestInference && len(parts) > 2 {
		parts = parts[1 : len(parts)-1]
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
