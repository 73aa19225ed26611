package memory

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestBuildSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, WriteInput{UserID: "u1", AgentType: "companion", Kind: KindEpisodic, Text: "user adopted a cat named Miso", Importance: 0.8})
	s.Write(ctx, WriteInput{UserID: "u1", AgentType: "companion", Kind: KindSemantic, Text: "user prefers short replies", Importance: 0.6})

	snap, ranked := s.BuildSnapshot(ctx, "u1", "companion", "cat", 5)
	if snap == nil {
		t.Fatal("expected snapshot")
	}
	if len(snap.ItemIDs) != len(ranked) {
		t.Errorf("snapshot ids (%d) do not match ranked items (%d)", len(snap.ItemIDs), len(ranked))
	}
	if !strings.Contains(snap.Summary, "[episodic]") {
		t.Errorf("expected kind-tagged summary lines, got %q", snap.Summary)
	}
	if snap.TokenEstimate <= 0 {
		t.Errorf("expected positive token estimate, got %d", snap.TokenEstimate)
	}

	all := s.Snapshots()
	if len(all) != 1 || all[0].ID != snap.ID {
		t.Errorf("expected snapshot retained, got %d", len(all))
	}
}

func TestBuildSnapshotTrimsToBudget(t *testing.T) {
	opts := DefaultOptions()
	opts.ContextTokenBudget = 20
	s := NewStore(opts, zap.NewNop())
	ctx := context.Background()

	long := strings.Repeat("wandering through the old city ", 10)
	for i := 0; i < 5; i++ {
		s.Write(ctx, WriteInput{UserID: "u1", AgentType: "companion", Kind: KindEpisodic, Text: long, Importance: 0.5})
	}

	snap, _ := s.BuildSnapshot(ctx, "u1", "companion", "city", 5)
	if len(snap.ItemIDs) != 1 {
		t.Errorf("expected budget to trim to the single top item, got %d", len(snap.ItemIDs))
	}
}
