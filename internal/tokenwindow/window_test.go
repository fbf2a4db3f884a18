package tokenwindow

import (
	"testing"
	"time"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestWindowSum(t *testing.T) {
	t.Parallel()

	w := NewWindow(5 * time.Hour)
	w.Add(100, base)
	w.Add(50, base.Add(30*time.Second)) // same minute

	if got := w.Sum(base); got != 150 {
		t.Fatalf("Sum = %d, want 150", got)
	}
}

func TestWindowRotation(t *testing.T) {
	t.Parallel()

	w := NewWindow(5 * time.Hour)
	w.Add(100, base)

	if got := w.Sum(base.Add(299 * time.Minute)); got != 100 {
		t.Fatalf("Sum at 299m = %d, want 100", got)
	}
	if got := w.Sum(base.Add(300 * time.Minute)); got != 0 {
		t.Fatalf("Sum at 300m = %d, want 0", got)
	}
}

func TestWindowLongGap(t *testing.T) {
	t.Parallel()

	w := NewWindow(5 * time.Hour)
	w.Add(100, base)
	// A gap far larger than the window clears everything exactly once.
	if got := w.Sum(base.Add(48 * time.Hour)); got != 0 {
		t.Fatalf("Sum after long gap = %d, want 0", got)
	}
	w.Add(25, base.Add(48*time.Hour))
	if got := w.Sum(base.Add(48 * time.Hour)); got != 25 {
		t.Fatalf("Sum after re-add = %d, want 25", got)
	}
}

func TestWindowAddAt(t *testing.T) {
	t.Parallel()

	w := NewWindow(5 * time.Hour)
	w.AddAt(40, base.Add(-10*time.Minute), base)
	w.AddAt(60, base.Add(-299*time.Minute), base)
	w.AddAt(999, base.Add(-301*time.Minute), base) // outside the window, dropped

	if got := w.Sum(base); got != 100 {
		t.Fatalf("Sum = %d, want 100", got)
	}
	// The seeded -299m bucket expires one minute later.
	if got := w.Sum(base.Add(time.Minute)); got != 40 {
		t.Fatalf("Sum after 1m = %d, want 40", got)
	}
}

func TestWindowNextExpiry(t *testing.T) {
	t.Parallel()

	w := NewWindow(5 * time.Hour)
	if _, ok := w.NextExpiry(base); ok {
		t.Fatal("NextExpiry on empty window reported ok")
	}

	w.AddAt(10, base.Add(-30*time.Minute), base)
	w.Add(20, base)

	exp, ok := w.NextExpiry(base)
	if !ok {
		t.Fatal("NextExpiry reported empty window")
	}
	want := base.Add(-30 * time.Minute).Truncate(time.Minute).Add(300 * time.Minute)
	if !exp.Equal(want) {
		t.Fatalf("NextExpiry = %v, want %v", exp, want)
	}
}

func TestTrackerIsolation(t *testing.T) {
	t.Parallel()

	tr := NewTracker(5 * time.Hour)
	tr.AddAt("alpha.example.com", "work", 100, base, base)
	tr.AddAt("alpha.example.com", "personal", 40, base, base)
	tr.AddAt("beta.example.com", "work", 7, base, base)

	if got := tr.SumAt("alpha.example.com", "work", base); got != 100 {
		t.Fatalf("alpha/work = %d, want 100", got)
	}
	if got := tr.SumAt("alpha.example.com", "personal", base); got != 40 {
		t.Fatalf("alpha/personal = %d, want 40", got)
	}
	if got := tr.SumAt("beta.example.com", "work", base); got != 7 {
		t.Fatalf("beta/work = %d, want 7", got)
	}
	if got := tr.SumAt("alpha.example.com", "missing", base); got != 0 {
		t.Fatalf("missing account = %d, want 0", got)
	}

	sums := tr.DomainSumsAt("alpha.example.com", base)
	if len(sums) != 2 || sums["work"] != 100 || sums["personal"] != 40 {
		t.Fatalf("DomainSums = %v", sums)
	}
}

func TestTrackerAccountSumSpansDomains(t *testing.T) {
	t.Parallel()

	tr := NewTracker(5 * time.Hour)
	tr.AddAt("alpha.example.com", "work", 100, base, base)
	tr.AddAt("beta.example.com", "work", 50, base.Add(-10*time.Minute), base)
	tr.AddAt("alpha.example.com", "personal", 999, base, base)

	if got := tr.AccountSumAt("work", base); got != 150 {
		t.Fatalf("AccountSumAt = %d, want 150", got)
	}

	exp, ok := tr.AccountNextExpiryAt("work", base)
	if !ok {
		t.Fatal("AccountNextExpiryAt reported no usage")
	}
	// The beta bucket at -10m rotates out first.
	want := base.Add(-10 * time.Minute).Truncate(time.Minute).Add(300 * time.Minute)
	if !exp.Equal(want) {
		t.Fatalf("AccountNextExpiryAt = %v, want %v", exp, want)
	}
}

func TestTrackerReset(t *testing.T) {
	t.Parallel()

	tr := NewTracker(5 * time.Hour)
	tr.AddAt("alpha.example.com", "work", 100, base, base)
	tr.ResetAll()

	if got := tr.SumAt("alpha.example.com", "work", base); got != 0 {
		t.Fatalf("Sum after reset = %d, want 0", got)
	}
}
