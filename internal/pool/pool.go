// Package pool picks which upstream account serves each request. Requests
// already linked to a conversation stick to their account for an hour;
// everything else goes to the member with the most rolling budget headroom.
package pool

import (
	"fmt"
	"log/slog"
	"time"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cache"
	"github.com/eugener/palantir/internal/credential"
	"github.com/eugener/palantir/internal/tokenwindow"
)

const (
	// DefaultBudget is the per-account rolling output-token ceiling.
	DefaultBudget = 140_000

	stickyTTL    = time.Hour
	stickyMaxLen = 10_000
)

type stickyKey struct {
	conversationID string
	branchID       string
}

// ExhaustedError reports that every pool member is at or over budget.
// RetryAfter is the time until the soonest recorded usage rotates out of
// the window.
type ExhaustedError struct {
	Domain     string
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate-limit exhausted for %s, retry in %s", e.Domain, e.RetryAfter)
}

func (e *ExhaustedError) Unwrap() error { return palantir.ErrPoolExhausted }

// Selector owns the sticky conversation-to-account mappings and applies the
// rolling-budget policy over the shared usage tracker.
type Selector struct {
	sticky *cache.TTL[stickyKey, string]
	usage  *tokenwindow.Tracker
	budget int64
	now    func() time.Time
}

// NewSelector creates a selector. budget <= 0 falls back to DefaultBudget.
func NewSelector(usage *tokenwindow.Tracker, budget int64) (*Selector, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	sticky, err := cache.New[stickyKey, string](cache.Options{
		MaxSize:    stickyMaxLen,
		DefaultTTL: stickyTTL,
		Sliding:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create sticky cache: %w", err)
	}
	return &Selector{sticky: sticky, usage: usage, budget: budget, now: time.Now}, nil
}

// Select picks one account for the request. accounts is the pool membership
// in declaration order; conversationID and branchID form the sticky key.
//
// A sticky account is reused while it still exists in the pool and has
// budget left. Otherwise the under-budget member with the lowest rolling
// sum wins, ties broken by ascending account id, and the sticky mapping is
// updated to the winner.
func (s *Selector) Select(domain string, accounts []*credential.Descriptor, conversationID, branchID string) (*credential.Descriptor, error) {
	now := s.now()
	key := stickyKey{conversationID: conversationID, branchID: branchID}

	if conversationID != "" {
		if id, ok := s.sticky.Get(key); ok {
			if d := findAccount(accounts, id); d != nil && s.underBudget(id, now) {
				return d, nil
			}
		}
	}

	var best *credential.Descriptor
	var bestSum int64
	for _, d := range accounts {
		sum := s.usage.AccountSumAt(d.AccountID, now)
		if sum >= s.budget {
			continue
		}
		if best == nil || sum < bestSum || (sum == bestSum && d.AccountID < best.AccountID) {
			best, bestSum = d, sum
		}
	}
	if best == nil {
		return nil, &ExhaustedError{Domain: domain, RetryAfter: s.retryAfter(accounts, now)}
	}

	if conversationID != "" {
		s.sticky.Set(key, best.AccountID)
	}
	slog.Debug("pool selection",
		"domain", domain,
		"account_id", best.AccountID,
		"rolling_sum", bestSum,
		"budget", s.budget)
	return best, nil
}

// Release drops the sticky mapping for a conversation, freeing it to be
// re-balanced on its next request.
func (s *Selector) Release(conversationID, branchID string) {
	s.sticky.Delete(stickyKey{conversationID: conversationID, branchID: branchID})
}

func (s *Selector) underBudget(accountID string, now time.Time) bool {
	return s.usage.AccountSumAt(accountID, now) < s.budget
}

// retryAfter finds the soonest moment any member's usage rotates out,
// rounded up to a whole second and never below one second.
func (s *Selector) retryAfter(accounts []*credential.Descriptor, now time.Time) time.Duration {
	var earliest time.Time
	for _, d := range accounts {
		exp, ok := s.usage.AccountNextExpiryAt(d.AccountID, now)
		if !ok {
			continue
		}
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	if earliest.IsZero() {
		return time.Minute
	}
	wait := earliest.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	if r := wait % time.Second; r != 0 {
		wait += time.Second - r
	}
	return wait
}

func findAccount(accounts []*credential.Descriptor, id string) *credential.Descriptor {
	for _, d := range accounts {
		if d.AccountID == id {
			return d
		}
	}
	return nil
}
