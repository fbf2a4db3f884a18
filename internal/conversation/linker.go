package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/messages"
)

// SubtaskLookback bounds how far back sub-task detection searches for a
// matching Task tool invocation.
const SubtaskLookback = 24 * time.Hour

// Lookup is the read surface the linker needs from storage.
type Lookup interface {
	// RequestsByCurrentHash returns prior requests in the domain whose
	// current_message_hash equals hash, most recent first.
	RequestsByCurrentHash(ctx context.Context, domain, hash string) ([]palantir.LinkCandidate, error)
	// LatestTaskMatch returns the most recent request in the domain since
	// the given time whose recorded Task invocations include one with
	// input.prompt exactly equal to prompt.
	LatestTaskMatch(ctx context.Context, domain, prompt string, since time.Time) (*palantir.TaskMatch, error)
}

// Linker resolves the conversation identity of a request before it is
// forwarded. Hashing is pure; only parent and sub-task resolution touch
// storage, and a storage failure degrades to a fresh conversation rather
// than failing the relay.
type Linker struct {
	store Lookup
	now   func() time.Time
}

// New returns a Linker backed by store. A nil store disables parent and
// sub-task lookups; every request then starts a fresh conversation.
func New(store Lookup) *Linker {
	return &Linker{store: store, now: time.Now}
}

// Link computes the hash projections and resolves conversation identity:
// inherit on a unique parent match, fork on multiple, fresh otherwise, with
// sub-task detection for fresh first-turn conversations.
func (l *Linker) Link(ctx context.Context, domain string, body *messages.Body) (palantir.Linkage, error) {
	var lk palantir.Linkage

	sysHash, err := SystemHash(body)
	if err != nil {
		return lk, fmt.Errorf("%w: system: %v", palantir.ErrValidation, err)
	}
	curHash, err := CurrentMessageHash(body)
	if err != nil {
		return lk, fmt.Errorf("%w: messages: %v", palantir.ErrValidation, err)
	}
	parHash, err := ParentMessageHash(body)
	if err != nil {
		return lk, fmt.Errorf("%w: messages: %v", palantir.ErrValidation, err)
	}

	lk.SystemHash = sysHash
	lk.CurrentMessageHash = &curHash
	lk.ParentMessageHash = parHash

	if parHash != nil && l.store != nil {
		candidates, err := l.store.RequestsByCurrentHash(ctx, domain, *parHash)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "linker: parent lookup failed, starting fresh conversation",
				slog.String("domain", domain), slog.String("error", err.Error()))
		} else if len(candidates) > 0 {
			parent := mostRecent(candidates)
			lk.ConversationID = parent.ConversationID
			lk.ParentRequestID = &parent.RequestID
			if len(candidates) == 1 {
				lk.BranchID = parent.BranchID
			} else {
				// Fork: siblings already continued from this parent. The
				// branch ID is a stable derivative of the new content so
				// retries land on the same branch.
				lk.BranchID = "br-" + curHash[:8]
			}
			return lk, nil
		}
	}

	// Fresh conversation.
	lk.ConversationID = uuid.Must(uuid.NewV7()).String()
	lk.BranchID = palantir.DefaultBranch

	// Sub-task detection applies only to first turns: a Task tool prompt
	// spawned in another conversation becomes the child's opening message.
	if parHash == nil && l.store != nil {
		if prompt := body.FirstUserText(); prompt != "" {
			since := l.now().Add(-SubtaskLookback)
			match, err := l.store.LatestTaskMatch(ctx, domain, prompt, since)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "linker: task match lookup failed",
					slog.String("domain", domain), slog.String("error", err.Error()))
			} else if match != nil {
				lk.IsSubtask = true
				lk.ParentTaskRequestID = &match.RequestID
			}
		}
	}

	return lk, nil
}

func mostRecent(candidates []palantir.LinkCandidate) palantir.LinkCandidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Timestamp.After(best.Timestamp) {
			best = c
		}
	}
	return best
}
