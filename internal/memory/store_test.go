package memory

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(DefaultOptions(), zap.NewNop())
}

func TestWriteAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Write(ctx, WriteInput{
		UserID:     "u1",
		AgentType:  "companion",
		Kind:       KindEpisodic,
		Text:       "user mentioned they like hiking",
		Importance: 0.7,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	item, ok := s.Get(id)
	if !ok {
		t.Fatalf("item %s not found", id)
	}
	if item.State != StateRaw {
		t.Errorf("expected state raw, got %s", item.State)
	}
	if item.Kind != KindEpisodic {
		t.Errorf("expected kind episodic, got %s", item.Kind)
	}
	if item.Importance != 0.7 {
		t.Errorf("expected importance 0.7, got %f", item.Importance)
	}
}

func TestWriteValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   WriteInput
	}{
		{"invalid kind", WriteInput{UserID: "u1", AgentType: "companion", Kind: "telepathic", Text: "x"}},
		{"missing user", WriteInput{AgentType: "companion", Kind: KindEpisodic, Text: "x"}},
		{"missing agent type", WriteInput{UserID: "u1", Kind: KindEpisodic, Text: "x"}},
		{"importance too high", WriteInput{UserID: "u1", AgentType: "companion", Kind: KindEpisodic, Text: "x", Importance: 1.5}},
		{"importance negative", WriteInput{UserID: "u1", AgentType: "companion", Kind: KindEpisodic, Text: "x", Importance: -0.1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Write(ctx, tc.in); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestAssociate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Write(ctx, WriteInput{UserID: "u1", AgentType: "companion", Kind: KindEpisodic, Text: "first", Importance: 0.5})
	b, _ := s.Write(ctx, WriteInput{UserID: "u1", AgentType: "companion", Kind: KindSemantic, Text: "second", Importance: 0.5})

	aid, err := s.Associate(ctx, a, b, 0.8, "relates")
	if err != nil {
		t.Fatalf("associate: %v", err)
	}

	edges := s.Associations(a)
	if len(edges) != 1 {
		t.Fatalf("expected 1 association, got %d", len(edges))
	}
	if edges[0].ID != aid || edges[0].ToID != b {
		t.Errorf("unexpected edge %+v", edges[0])
	}

	if _, err := s.Associate(ctx, a, a, 0.5, "self"); err == nil {
		t.Error("expected self-loop to be rejected")
	}
	if _, err := s.Associate(ctx, a, b, 1.5, "heavy"); err == nil {
		t.Error("expected out-of-range weight to be rejected")
	}
	if _, err := s.Associate(ctx, a, "missing", 0.5, "dangling"); err == nil {
		t.Error("expected unknown target to be rejected")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, WriteInput{UserID: "u1", AgentType: "companion", Kind: KindEpisodic, Text: "a", Importance: 0.4})
	s.Write(ctx, WriteInput{UserID: "u1", AgentType: "companion", Kind: KindEpisodic, Text: "b", Importance: 0.6})
	s.Write(ctx, WriteInput{UserID: "u2", AgentType: "emo_ai", Kind: KindEmotional, Text: "c", Importance: 0.8})

	st := s.Stats()
	if st.Total != 3 || st.Active != 3 || st.Archived != 0 {
		t.Errorf("unexpected counts %+v", st)
	}
	if st.ByKind[KindEpisodic] != 2 || st.ByKind[KindEmotional] != 1 {
		t.Errorf("unexpected kind distribution %+v", st.ByKind)
	}
	if st.Recent != 3 {
		t.Errorf("expected 3 recent items, got %d", st.Recent)
	}
	want := (0.4 + 0.6 + 0.8) / 3
	if diff := st.AvgImportance - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected avg importance %f, got %f", want, st.AvgImportance)
	}
}

func TestQueryTouchBumpsAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Write(ctx, WriteInput{UserID: "u1", AgentType: "companion", Kind: KindEpisodic, Text: "likes hiking in the mountains", Importance: 0.5})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	s.Query(ctx, "u1", "companion", "hiking", 5)

	item, _ := s.Get(id)
	if item.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", item.AccessCount)
	}
	if !item.LastAccess.Equal(base) {
		t.Errorf("expected last access %v, got %v", base, item.LastAccess)
	}
}
