package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BuildSnapshot queries the top-k items for the request and freezes them
// into an immutable ContextSnapshot bounded by the token budget. When the
// ranked items exceed the budget the lowest-relevance items are trimmed
// first. The snapshot is retained for audit and analytics.
func (s *Store) BuildSnapshot(ctx context.Context, userID, agentType, text string, k int) (*Snapshot, []ScoredItem) {
	ranked := s.Query(ctx, userID, agentType, text, k)

	budget := s.opts.ContextTokenBudget
	used := 0
	kept := ranked[:0:0]
	for _, sc := range ranked {
		est := estimateTokens(sc.Item.Text)
		if used+est > budget && len(kept) > 0 {
			// Ranked order means everything past this point is lower
			// relevance; stop rather than skip.
			break
		}
		kept = append(kept, sc)
		used += est
	}

	snap := &Snapshot{
		ID:            uuid.New().String(),
		UserID:        userID,
		AgentType:     agentType,
		TokenEstimate: used,
		CreatedAt:     s.now(),
	}
	var b strings.Builder
	for _, sc := range kept {
		snap.ItemIDs = append(snap.ItemIDs, sc.Item.ID)
		fmt.Fprintf(&b, "- [%s] %s\n", sc.Item.Kind, sc.Item.Text)
	}
	snap.Summary = b.String()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveSnapshot(ctx, snap); err != nil {
			s.logger.Warn("persist snapshot failed", zap.String("id", snap.ID), zap.Error(err))
		}
	}
	return snap, kept
}

// Snapshots returns copies of retained context snapshots, newest last.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, len(s.snapshots))
	for i, sn := range s.snapshots {
		out[i] = *sn
	}
	return out
}
