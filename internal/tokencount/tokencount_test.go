package tokencount

import "testing"

func TestEstimate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"single char", "a", 1},
		{"exact boundary", "abcd", 1},
		{"rounds up", "abcde", 2},
		{"sentence", "Explain quantum computing in simple terms.", 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Estimate(tt.in); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEstimateMessage(t *testing.T) {
	t.Parallel()

	if got := EstimateMessage("hello"); got != 6 {
		t.Errorf("EstimateMessage(hello) = %d, want 6", got)
	}
	// Even an empty message costs its formatting overhead.
	if got := EstimateMessage(""); got != 4 {
		t.Errorf("EstimateMessage('') = %d, want 4", got)
	}
}

func TestBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ctx    int
		margin float64
		want   int
	}{
		{"default contract", 900_000, 0.05, 855_000},
		{"no margin", 900_000, 0, 900_000},
		{"half", 100, 0.5, 50},
		{"zero context", 0, 0.05, 0},
		{"negative margin ignored", 1000, -1, 1000},
		{"full margin ignored", 1000, 1.5, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Budget(tt.ctx, tt.margin); got != tt.want {
				t.Errorf("Budget(%d, %v) = %d, want %d", tt.ctx, tt.margin, got, tt.want)
			}
		})
	}
}
