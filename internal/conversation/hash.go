package conversation

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/eugener/palantir/internal/messages"
)

// SystemHash hashes the canonical top-level system block. Nil when the
// request carries none.
func SystemHash(b *messages.Body) (*string, error) {
	if len(b.System) == 0 {
		return nil, nil
	}
	h, err := Hash(b.System)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// CurrentMessageHash hashes the canonical form of the full messages list.
func CurrentMessageHash(b *messages.Body) (string, error) {
	return hashPrefix(b, len(b.Messages))
}

// ParentMessageHash hashes the messages list up to (exclusive) the last
// assistant message: the input the parent request was made with. Nil when
// the list holds no assistant turn (a conversation's first request) or the
// projection would be empty.
func ParentMessageHash(b *messages.Body) (*string, error) {
	last := -1
	for i, m := range b.Messages {
		if m.Role == "assistant" {
			last = i
		}
	}
	if last <= 0 {
		return nil, nil
	}
	h, err := hashPrefix(b, last)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// hashPrefix hashes the canonical JSON array of messages[0:n]. Each element
// is the verbatim client message object, canonicalized independently, so a
// prefix hash of n messages equals the full hash of a request that carried
// exactly those n messages.
func hashPrefix(b *messages.Body, n int) (string, error) {
	h := sha256.New()
	h.Write([]byte{'['})
	for i := 0; i < n; i++ {
		if i > 0 {
			h.Write([]byte{','})
		}
		c, err := Canonical(b.Messages[i].Raw)
		if err != nil {
			return "", err
		}
		h.Write(c)
	}
	h.Write([]byte{']'})
	return hex.EncodeToString(h.Sum(nil)), nil
}
