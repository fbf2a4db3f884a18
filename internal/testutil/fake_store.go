// Package testutil provides configurable test fakes for the proxy's
// storage and transport boundaries.
package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

type branchKey struct {
	conv   string
	branch string
}

// FakeStore is an in-memory implementation of storage.Store.
type FakeStore struct {
	mu       sync.RWMutex
	requests []palantir.APIRequest
	chunks   map[string][]palantir.StreamingChunk
	jobs     map[branchKey]*palantir.AnalysisJob
	analyses map[branchKey]*palantir.ConversationAnalysis
	nextJob  int64

	// PingErr, when set, makes Ping fail (readiness tests).
	PingErr error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		chunks:   make(map[string][]palantir.StreamingChunk),
		jobs:     make(map[branchKey]*palantir.AnalysisJob),
		analyses: make(map[branchKey]*palantir.ConversationAnalysis),
	}
}

// --- RequestStore ---

// InsertRequest stores a copy of the row; duplicate request ids are ignored.
func (s *FakeStore) InsertRequest(_ context.Context, r *palantir.APIRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.requests {
		if s.requests[i].RequestID == r.RequestID {
			return nil
		}
	}
	s.requests = append(s.requests, *r)
	return nil
}

// InsertChunks stores chunks, ignoring duplicates on (request id, index).
func (s *FakeStore) InsertChunks(_ context.Context, chunks []palantir.StreamingChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
next:
	for _, c := range chunks {
		for _, have := range s.chunks[c.RequestID] {
			if have.ChunkIndex == c.ChunkIndex {
				continue next
			}
		}
		s.chunks[c.RequestID] = append(s.chunks[c.RequestID], c)
	}
	return nil
}

// --- LinkStore ---

// RequestsByCurrentHash returns stored rows in the domain with the given
// current-message hash, most recent first.
func (s *FakeStore) RequestsByCurrentHash(_ context.Context, domain, hash string) ([]palantir.LinkCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []palantir.LinkCandidate
	for i := range s.requests {
		r := &s.requests[i]
		if r.Domain != domain || r.CurrentMessageHash == nil || *r.CurrentMessageHash != hash {
			continue
		}
		out = append(out, palantir.LinkCandidate{
			RequestID:      r.RequestID,
			ConversationID: r.ConversationID,
			BranchID:       r.BranchID,
			Timestamp:      r.Timestamp,
		})
	}
	slices.SortFunc(out, func(a, b palantir.LinkCandidate) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out, nil
}

// LatestTaskMatch scans stored Task invocations for an input.prompt equal to
// prompt, newest first.
func (s *FakeStore) LatestTaskMatch(_ context.Context, domain, prompt string, since time.Time) (*palantir.TaskMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *palantir.TaskMatch
	for i := range s.requests {
		r := &s.requests[i]
		if r.Domain != domain || r.Timestamp.Before(since) || len(r.TaskToolInvocation) == 0 {
			continue
		}
		for _, inv := range gjson.ParseBytes(r.TaskToolInvocation).Array() {
			if inv.Get("input.prompt").String() != prompt {
				continue
			}
			if best == nil || r.Timestamp.After(best.Timestamp) {
				best = &palantir.TaskMatch{
					RequestID:      r.RequestID,
					ConversationID: r.ConversationID,
					Timestamp:      r.Timestamp,
				}
			}
		}
	}
	return best, nil
}

// --- JobStore ---

// EnqueueJob creates or re-queues the branch's job. Pending and processing
// jobs are left untouched.
func (s *FakeStore) EnqueueJob(_ context.Context, conversationID, branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := branchKey{conversationID, branchID}
	now := time.Now()
	j, ok := s.jobs[key]
	if !ok {
		s.nextJob++
		s.jobs[key] = &palantir.AnalysisJob{
			ID:             s.nextJob,
			ConversationID: conversationID,
			BranchID:       branchID,
			Status:         palantir.JobPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return nil
	}
	if j.Status == palantir.JobCompleted || j.Status == palantir.JobFailed {
		j.Status = palantir.JobPending
		j.Attempts = 0
		j.LastError = nil
		j.UpdatedAt = now
	}
	return nil
}

// ClaimJob moves the oldest pending job to processing, bumping attempts.
func (s *FakeStore) ClaimJob(_ context.Context) (*palantir.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *palantir.AnalysisJob
	for _, j := range s.jobs {
		if j.Status != palantir.JobPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	now := time.Now()
	oldest.Status = palantir.JobProcessing
	oldest.Attempts++
	oldest.ProcessingStartedAt = &now
	oldest.UpdatedAt = now
	cp := *oldest
	return &cp, nil
}

// CompleteJob marks the job completed.
func (s *FakeStore) CompleteJob(_ context.Context, id int64) error {
	return s.updateJob(id, func(j *palantir.AnalysisJob) {
		now := time.Now()
		j.Status = palantir.JobCompleted
		j.CompletedAt = &now
		j.UpdatedAt = now
	})
}

// RetryJob returns the job to pending with the error recorded.
func (s *FakeStore) RetryJob(_ context.Context, id int64, lastError string) error {
	return s.updateJob(id, func(j *palantir.AnalysisJob) {
		j.Status = palantir.JobPending
		j.LastError = &lastError
		j.UpdatedAt = time.Now()
	})
}

// FailJob terminally fails the job.
func (s *FakeStore) FailJob(_ context.Context, id int64, lastError string) error {
	return s.updateJob(id, func(j *palantir.AnalysisJob) {
		j.Status = palantir.JobFailed
		j.LastError = &lastError
		j.UpdatedAt = time.Now()
	})
}

// ResetStuckJobs rescues processing jobs older than stuckAfter: back to
// pending under the attempts cap, failed at it.
func (s *FakeStore) ResetStuckJobs(_ context.Context, stuckAfter time.Duration, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-stuckAfter)
	var n int64
	for _, j := range s.jobs {
		if j.Status != palantir.JobProcessing || j.ProcessingStartedAt == nil || !j.ProcessingStartedAt.Before(cutoff) {
			continue
		}
		if j.Attempts >= palantir.MaxJobAttempts {
			j.Status = palantir.JobFailed
		} else {
			j.Status = palantir.JobPending
		}
		r := reason
		j.LastError = &r
		j.UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

func (s *FakeStore) updateJob(id int64, apply func(*palantir.AnalysisJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			apply(j)
			return nil
		}
	}
	return palantir.ErrNotFound
}

// --- AnalysisStore ---

// UpsertAnalysis inserts or overwrites the branch's analysis.
func (s *FakeStore) UpsertAnalysis(_ context.Context, a *palantir.ConversationAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := branchKey{a.ConversationID, a.BranchID}
	cp := *a
	now := time.Now()
	if have, ok := s.analyses[key]; ok {
		cp.ID = have.ID
		cp.CreatedAt = have.CreatedAt
	} else {
		cp.ID = int64(len(s.analyses) + 1)
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.analyses[key] = &cp
	return nil
}

// GetAnalysis returns the stored analysis or ErrNotFound.
func (s *FakeStore) GetAnalysis(_ context.Context, conversationID, branchID string) (*palantir.ConversationAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyses[branchKey{conversationID, branchID}]
	if !ok {
		return nil, palantir.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListConversationRequests returns the branch's rows ascending by timestamp.
func (s *FakeStore) ListConversationRequests(_ context.Context, conversationID, branchID string, limit int) ([]palantir.APIRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []palantir.APIRequest
	for i := range s.requests {
		r := &s.requests[i]
		if r.ConversationID == conversationID && r.BranchID == branchID {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b palantir.APIRequest) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- UsageReader ---

// SumOutputTokensByMinute aggregates stored rows over the trailing window.
func (s *FakeStore) SumOutputTokensByMinute(_ context.Context, window time.Duration) ([]storage.MinuteSum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	type key struct {
		domain  string
		account string
		minute  time.Time
	}
	agg := make(map[key]int64)
	for i := range s.requests {
		r := &s.requests[i]
		if r.OutputTokens == 0 || r.Timestamp.Before(cutoff) {
			continue
		}
		agg[key{r.Domain, r.AccountID, r.Timestamp.Truncate(time.Minute)}] += r.OutputTokens
	}
	out := make([]storage.MinuteSum, 0, len(agg))
	for k, sum := range agg {
		out = append(out, storage.MinuteSum{
			Domain:       k.domain,
			AccountID:    k.account,
			Minute:       k.minute,
			OutputTokens: sum,
		})
	}
	return out, nil
}

// Ping reports PingErr.
func (s *FakeStore) Ping(context.Context) error { return s.PingErr }

// Close is a no-op.
func (s *FakeStore) Close() {}

// --- Test accessors ---

// Requests returns a snapshot of the stored rows in insertion order.
func (s *FakeStore) Requests() []palantir.APIRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.requests)
}

// RequestByID returns the stored row with the given id, or nil.
func (s *FakeStore) RequestByID(id string) *palantir.APIRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.requests {
		if s.requests[i].RequestID == id {
			cp := s.requests[i]
			return &cp
		}
	}
	return nil
}

// Chunks returns the stored chunks for a request, ordered by index.
func (s *FakeStore) Chunks(requestID string) []palantir.StreamingChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.chunks[requestID])
	slices.SortFunc(out, func(a, b palantir.StreamingChunk) int { return a.ChunkIndex - b.ChunkIndex })
	return out
}

// Job returns the branch's job, or nil.
func (s *FakeStore) Job(conversationID, branchID string) *palantir.AnalysisJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[branchKey{conversationID, branchID}]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// SeedJob inserts a job row directly, for watchdog and claim tests.
func (s *FakeStore) SeedJob(j palantir.AnalysisJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == 0 {
		s.nextJob++
		j.ID = s.nextJob
	} else if j.ID > s.nextJob {
		s.nextJob = j.ID
	}
	s.jobs[branchKey{j.ConversationID, j.BranchID}] = &j
}
