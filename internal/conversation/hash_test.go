package conversation

import (
	"testing"

	"github.com/eugener/palantir/internal/messages"
)

func parseBody(t *testing.T, body string) *messages.Body {
	t.Helper()
	b, err := messages.Parse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestSystemHash(t *testing.T) {
	t.Parallel()

	t.Run("absent", func(t *testing.T) {
		t.Parallel()
		b := parseBody(t, `{"messages":[{"role":"user","content":"x"}]}`)
		h, err := SystemHash(b)
		if err != nil {
			t.Fatal(err)
		}
		if h != nil {
			t.Errorf("expected nil, got %q", *h)
		}
	})

	t.Run("string and equivalent spacing hash equal", func(t *testing.T) {
		t.Parallel()
		b1 := parseBody(t, `{"system":"be brief","messages":[{"role":"user","content":"x"}]}`)
		b2 := parseBody(t, `{"system": "be brief" ,"messages":[{"role":"user","content":"x"}]}`)
		h1, err := SystemHash(b1)
		if err != nil {
			t.Fatal(err)
		}
		h2, err := SystemHash(b2)
		if err != nil {
			t.Fatal(err)
		}
		if h1 == nil || h2 == nil || *h1 != *h2 {
			t.Errorf("system hashes differ: %v vs %v", h1, h2)
		}
	})
}

// The parent projection must reproduce the prior request's current hash:
// request N+1 carries request N's messages plus the assistant reply and the
// new user turn.
func TestParentHashChainsAcrossTurns(t *testing.T) {
	t.Parallel()

	first := parseBody(t, `{"messages":[{"role":"user","content":"a"}]}`)
	second := parseBody(t, `{"messages":[
		{"role":"user","content":"a"},
		{"role":"assistant","content":"b"},
		{"role":"user","content":"c"}]}`)
	third := parseBody(t, `{"messages":[
		{"role":"user","content":"a"},
		{"role":"assistant","content":"b"},
		{"role":"user","content":"c"},
		{"role":"assistant","content":"d"},
		{"role":"user","content":"e"}]}`)

	firstCur, err := CurrentMessageHash(first)
	if err != nil {
		t.Fatal(err)
	}
	firstParent, err := ParentMessageHash(first)
	if err != nil {
		t.Fatal(err)
	}
	if firstParent != nil {
		t.Errorf("first turn parent = %q, want nil", *firstParent)
	}

	secondCur, err := CurrentMessageHash(second)
	if err != nil {
		t.Fatal(err)
	}
	secondParent, err := ParentMessageHash(second)
	if err != nil {
		t.Fatal(err)
	}
	if secondParent == nil || *secondParent != firstCur {
		t.Errorf("second parent = %v, want first current %q", secondParent, firstCur)
	}

	thirdParent, err := ParentMessageHash(third)
	if err != nil {
		t.Fatal(err)
	}
	if thirdParent == nil || *thirdParent != secondCur {
		t.Errorf("third parent = %v, want second current %q", thirdParent, secondCur)
	}
}

// A tool round trip appends the assistant tool_use turn and a user
// tool_result turn; the parent is still the request that produced the
// assistant turn.
func TestParentHashToolResultContinuation(t *testing.T) {
	t.Parallel()

	call := parseBody(t, `{"messages":[{"role":"user","content":"list files"}]}`)
	continuation := parseBody(t, `{"messages":[
		{"role":"user","content":"list files"},
		{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"ls","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"a.txt"}]}]}`)

	callCur, err := CurrentMessageHash(call)
	if err != nil {
		t.Fatal(err)
	}
	parent, err := ParentMessageHash(continuation)
	if err != nil {
		t.Fatal(err)
	}
	if parent == nil || *parent != callCur {
		t.Errorf("continuation parent = %v, want %q", parent, callCur)
	}
}

// Two user turns since the last assistant message still resolve to the
// request that ended with that assistant turn.
func TestParentHashMultipleTrailingUserTurns(t *testing.T) {
	t.Parallel()

	first := parseBody(t, `{"messages":[{"role":"user","content":"a"}]}`)
	doubled := parseBody(t, `{"messages":[
		{"role":"user","content":"a"},
		{"role":"assistant","content":"b"},
		{"role":"user","content":"c"},
		{"role":"user","content":"d"}]}`)

	firstCur, err := CurrentMessageHash(first)
	if err != nil {
		t.Fatal(err)
	}
	parent, err := ParentMessageHash(doubled)
	if err != nil {
		t.Fatal(err)
	}
	if parent == nil || *parent != firstCur {
		t.Errorf("parent = %v, want %q", parent, firstCur)
	}
}

// Unknown message fields must affect the hash -- the projection hashes the
// verbatim client JSON, not a lossy re-encoding.
func TestHashPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	plain := parseBody(t, `{"messages":[{"role":"user","content":"x"}]}`)
	extra := parseBody(t, `{"messages":[{"role":"user","content":"x","metadata":{"k":1}}]}`)

	h1, err := CurrentMessageHash(plain)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CurrentMessageHash(extra)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("extra message field did not change the hash")
	}
}
