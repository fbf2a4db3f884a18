package pool

import (
	"errors"
	"testing"
	"time"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/credential"
	"github.com/eugener/palantir/internal/tokenwindow"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func member(id string) *credential.Descriptor {
	return &credential.Descriptor{Kind: credential.KindAPIKey, AccountID: id, APIKey: "sk-" + id}
}

func newSelector(t *testing.T, tr *tokenwindow.Tracker, budget int64) *Selector {
	t.Helper()
	s, err := NewSelector(tr, budget)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base }
	return s
}

func TestSelectLowestUsage(t *testing.T) {
	t.Parallel()

	tr := tokenwindow.NewTracker(5 * time.Hour)
	tr.AddAt("d", "alpha", 500, base, base)
	tr.AddAt("d", "beta", 100, base, base)
	tr.AddAt("d", "gamma", 900, base, base)
	s := newSelector(t, tr, 140_000)

	got, err := s.Select("d", []*credential.Descriptor{member("alpha"), member("beta"), member("gamma")}, "", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.AccountID != "beta" {
		t.Errorf("selected %q, want beta (lowest usage)", got.AccountID)
	}
}

func TestSelectTieBreaksByAccountID(t *testing.T) {
	t.Parallel()

	tr := tokenwindow.NewTracker(5 * time.Hour)
	s := newSelector(t, tr, 140_000)

	// All sums are zero; order in the slice must not matter.
	got, err := s.Select("d", []*credential.Descriptor{member("zeta"), member("alpha"), member("mid")}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccountID != "alpha" {
		t.Errorf("selected %q, want alpha (ascending id on tie)", got.AccountID)
	}
}

func TestSelectSticky(t *testing.T) {
	t.Parallel()

	tr := tokenwindow.NewTracker(5 * time.Hour)
	tr.AddAt("d", "alpha", 10, base, base)
	tr.AddAt("d", "beta", 5000, base, base)
	s := newSelector(t, tr, 140_000)
	accounts := []*credential.Descriptor{member("alpha"), member("beta")}

	first, err := s.Select("d", accounts, "conv-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if first.AccountID != "alpha" {
		t.Fatalf("first selection = %q", first.AccountID)
	}
	time.Sleep(50 * time.Millisecond) // otter sets are async

	// alpha now carries far more usage than beta, but the conversation
	// sticks to it while it stays under budget.
	tr.AddAt("d", "alpha", 100_000, base, base)
	second, err := s.Select("d", accounts, "conv-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if second.AccountID != "alpha" {
		t.Errorf("sticky selection = %q, want alpha", second.AccountID)
	}

	// A different conversation balances onto beta.
	other, err := s.Select("d", accounts, "conv-2", "main")
	if err != nil {
		t.Fatal(err)
	}
	if other.AccountID != "beta" {
		t.Errorf("other conversation = %q, want beta", other.AccountID)
	}
}

func TestSelectStickyOverBudgetFallsBack(t *testing.T) {
	t.Parallel()

	tr := tokenwindow.NewTracker(5 * time.Hour)
	s := newSelector(t, tr, 1000)
	accounts := []*credential.Descriptor{member("alpha"), member("beta")}

	if _, err := s.Select("d", accounts, "conv-1", "main"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	tr.AddAt("d", "alpha", 1000, base, base) // exactly at budget: no longer below
	got, err := s.Select("d", accounts, "conv-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccountID != "beta" {
		t.Errorf("selection = %q, want beta after alpha hit budget", got.AccountID)
	}
	time.Sleep(50 * time.Millisecond)

	// The sticky mapping moved with the fallback.
	tr.AddAt("d", "beta", 500, base, base)
	again, err := s.Select("d", accounts, "conv-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if again.AccountID != "beta" {
		t.Errorf("selection = %q, want beta to stay sticky", again.AccountID)
	}
}

func TestSelectStickyAccountRemovedFromPool(t *testing.T) {
	t.Parallel()

	tr := tokenwindow.NewTracker(5 * time.Hour)
	s := newSelector(t, tr, 140_000)

	if _, err := s.Select("d", []*credential.Descriptor{member("alpha"), member("beta")}, "conv-1", "main"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	got, err := s.Select("d", []*credential.Descriptor{member("beta")}, "conv-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccountID != "beta" {
		t.Errorf("selection = %q, want beta after alpha left the pool", got.AccountID)
	}
}

func TestSelectExhausted(t *testing.T) {
	t.Parallel()

	tr := tokenwindow.NewTracker(5 * time.Hour)
	tr.AddAt("d", "alpha", 2000, base.Add(-20*time.Minute), base)
	tr.AddAt("d", "beta", 3000, base.Add(-10*time.Minute), base)
	s := newSelector(t, tr, 1000)

	_, err := s.Select("d", []*credential.Descriptor{member("alpha"), member("beta")}, "conv-1", "main")
	if !errors.Is(err, palantir.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err %T is not *ExhaustedError", err)
	}
	// alpha's older bucket rotates out first, 280 minutes from now.
	if want := 280 * time.Minute; ex.RetryAfter != want {
		t.Errorf("RetryAfter = %s, want %s", ex.RetryAfter, want)
	}
}

func TestSelectBudgetSpansDomains(t *testing.T) {
	t.Parallel()

	tr := tokenwindow.NewTracker(5 * time.Hour)
	// The same account consumed budget under two domains.
	tr.AddAt("first.example.com", "shared", 600, base, base)
	tr.AddAt("second.example.com", "shared", 600, base, base)
	s := newSelector(t, tr, 1000)

	_, err := s.Select("second.example.com", []*credential.Descriptor{member("shared")}, "", "")
	if !errors.Is(err, palantir.ErrPoolExhausted) {
		t.Errorf("err = %v, want ErrPoolExhausted (usage crosses domains)", err)
	}
}
