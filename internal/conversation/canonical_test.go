package conversation

import (
	"encoding/json"
	"testing"
)

func TestCanonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "sorts object keys", in: `{"b":1,"a":2}`, want: `{"a":2,"b":1}`},
		{name: "strips whitespace", in: "{\n  \"a\": [1, 2,\t3]\n}", want: `{"a":[1,2,3]}`},
		{name: "nested objects", in: `{"z":{"y":1,"x":{"b":2,"a":3}}}`, want: `{"z":{"x":{"a":3,"b":2},"y":1}}`},
		{name: "array order preserved", in: `[3,1,2]`, want: `[3,1,2]`},
		{name: "number literals verbatim", in: `{"a":1.50,"b":1e3}`, want: `{"a":1.50,"b":1e3}`},
		{name: "string escaping", in: `"he said \"hi\""`, want: `"he said \"hi\""`},
		{name: "null and bools", in: `{"t":true,"f":false,"n":null}`, want: `{"f":false,"n":null,"t":true}`},
		{name: "unicode", in: `{"msg":"héllo"}`, want: `{"msg":"héllo"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Canonical(json.RawMessage(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("Canonical(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		t.Parallel()
		if _, err := Canonical(json.RawMessage(`{`)); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestHashKeyOrderInvariant(t *testing.T) {
	t.Parallel()

	a := json.RawMessage(`{"role":"user","content":[{"type":"text","text":"hi"}],"extra":1}`)
	b := json.RawMessage(`{"extra": 1, "content": [ {"text":"hi","type":"text"} ], "role":"user"}`)

	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("equal values hash differently: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("hash len = %d, want 64", len(ha))
	}

	c := json.RawMessage(`{"role":"user","content":"different"}`)
	hc, err := Hash(c)
	if err != nil {
		t.Fatal(err)
	}
	if hc == ha {
		t.Error("distinct values produced equal hashes")
	}
}

func TestHashDeterministic(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"a":[1,2,{"b":"c"}]}`)
	h1, err := Hash(raw)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(raw)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("Hash is not deterministic")
	}
}
