// Package tokenwindow maintains rolling output-token counters per domain and
// account over a fixed window, bucketed by minute. Selection reads these
// sums to enforce the per-account budget; the writer adds to them as relays
// complete.
package tokenwindow

import (
	"sync"
	"time"
)

// Window is a fixed-size ring of one-minute buckets. Buckets rotate lazily
// on access; no background goroutine.
type Window struct {
	buckets []int64
	size    int
	head    int   // index of the current minute's bucket
	headMin int64 // unix minutes of head bucket
}

// NewWindow creates a ring covering the given duration, rounded up to whole
// minutes (a 5-hour window gets 300 buckets).
func NewWindow(d time.Duration) *Window {
	size := int((d + time.Minute - 1) / time.Minute)
	if size < 1 {
		size = 1
	}
	return &Window{buckets: make([]int64, size), size: size}
}

// advance moves the head forward to the current minute, clearing buckets
// that rotated out of the window.
func (w *Window) advance(nowMin int64) {
	if w.headMin == 0 {
		w.headMin = nowMin
		return
	}
	gap := nowMin - w.headMin
	if gap <= 0 {
		return
	}
	clear := min(int(gap), w.size)
	for i := range clear {
		idx := (w.head + 1 + i) % w.size
		w.buckets[idx] = 0
	}
	w.head = (w.head + int(gap)) % w.size
	w.headMin = nowMin
}

// Add records tokens in the bucket for now.
func (w *Window) Add(tokens int64, now time.Time) {
	w.advance(unixMinute(now))
	w.buckets[w.head] += tokens
}

// AddAt records tokens attributed to a past minute, used when seeding from
// storage at startup. Minutes outside the window are dropped.
func (w *Window) AddAt(tokens int64, minute, now time.Time) {
	nowMin := unixMinute(now)
	w.advance(nowMin)
	back := nowMin - unixMinute(minute)
	if back < 0 {
		back = 0
	}
	if int(back) >= w.size {
		return
	}
	idx := (w.head - int(back)%w.size + w.size) % w.size
	w.buckets[idx] += tokens
}

// Sum returns the total across the window.
func (w *Window) Sum(now time.Time) int64 {
	w.advance(unixMinute(now))
	var total int64
	for _, b := range w.buckets {
		total += b
	}
	return total
}

// NextExpiry returns when the oldest non-empty bucket rotates out, i.e. the
// earliest moment Sum can decrease. ok is false when the window is empty.
func (w *Window) NextExpiry(now time.Time) (time.Time, bool) {
	w.advance(unixMinute(now))
	for back := w.size - 1; back >= 0; back-- {
		idx := (w.head - back%w.size + w.size) % w.size
		if w.buckets[idx] != 0 {
			expiryMin := w.headMin - int64(back) + int64(w.size)
			return time.Unix(expiryMin*60, 0), true
		}
	}
	return time.Time{}, false
}

// Reset clears all buckets.
func (w *Window) Reset() {
	for i := range w.buckets {
		w.buckets[i] = 0
	}
	w.head = 0
	w.headMin = 0
}

func unixMinute(t time.Time) int64 { return t.Unix() / 60 }

// Key identifies one counter.
type Key struct {
	Domain  string
	Account string
}

// Tracker is the owner of all rolling counters, keyed by domain and account.
type Tracker struct {
	mu       sync.Mutex
	window   time.Duration
	counters map[Key]*Window
}

// NewTracker creates a tracker whose counters cover the given window.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{window: window, counters: make(map[Key]*Window)}
}

func (t *Tracker) counter(key Key) *Window {
	w, ok := t.counters[key]
	if !ok {
		w = NewWindow(t.window)
		t.counters[key] = w
	}
	return w
}

// Add records tokens for the account at the current time.
func (t *Tracker) Add(domain, account string, tokens int64) {
	t.AddAt(domain, account, tokens, time.Now(), time.Now())
}

// AddAt records tokens attributed to minute, evaluated at now. Seeding and
// tests use it directly.
func (t *Tracker) AddAt(domain, account string, tokens int64, minute, now time.Time) {
	if tokens == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter(Key{Domain: domain, Account: account}).AddAt(tokens, minute, now)
}

// Sum returns the account's rolling total.
func (t *Tracker) Sum(domain, account string) int64 {
	return t.SumAt(domain, account, time.Now())
}

// SumAt returns the account's rolling total evaluated at now.
func (t *Tracker) SumAt(domain, account string, now time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.counters[Key{Domain: domain, Account: account}]
	if !ok {
		return 0
	}
	return w.Sum(now)
}

// NextExpiry returns when the account's oldest recorded usage rotates out.
func (t *Tracker) NextExpiry(domain, account string, now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.counters[Key{Domain: domain, Account: account}]
	if !ok {
		return time.Time{}, false
	}
	return w.NextExpiry(now)
}

// AccountSumAt returns the rolling total for one account across every
// domain. Budget enforcement uses this: an account referenced by several
// domains has a single upstream quota.
func (t *Tracker) AccountSumAt(account string, now time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int64
	for k, w := range t.counters {
		if k.Account == account {
			total += w.Sum(now)
		}
	}
	return total
}

// AccountNextExpiryAt returns the earliest moment any of the account's
// recorded usage, in any domain, rotates out.
func (t *Tracker) AccountNextExpiryAt(account string, now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var earliest time.Time
	found := false
	for k, w := range t.counters {
		if k.Account != account {
			continue
		}
		exp, ok := w.NextExpiry(now)
		if !ok {
			continue
		}
		if !found || exp.Before(earliest) {
			earliest = exp
			found = true
		}
	}
	return earliest, found
}

// DomainSums returns the per-account rolling totals for one domain.
func (t *Tracker) DomainSums(domain string) map[string]int64 {
	return t.DomainSumsAt(domain, time.Now())
}

// DomainSumsAt returns the per-account rolling totals for one domain at now.
func (t *Tracker) DomainSumsAt(domain string, now time.Time) map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64)
	for k, w := range t.counters {
		if k.Domain == domain {
			out[k.Account] = w.Sum(now)
		}
	}
	return out
}

// Snapshot returns every counter's rolling total.
func (t *Tracker) Snapshot() map[Key]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make(map[Key]int64, len(t.counters))
	for k, w := range t.counters {
		out[k] = w.Sum(now)
	}
	return out
}

// ResetAll clears every counter; the counter-sync worker calls this before
// reseeding from storage.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.counters {
		w.Reset()
	}
}

// WindowSize returns the configured window duration.
func (t *Tracker) WindowSize() time.Duration { return t.window }
