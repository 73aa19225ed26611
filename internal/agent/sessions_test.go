package agent

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testRegistry() *Registry {
	return NewRegistry(Profiles(nil), zap.NewNop())
}

func TestRecordTurnCreatesAndAdvances(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	var out TurnOutcome
	for i := 0; i < 5; i++ {
		out = r.RecordTurn(ctx, "u1", "companion", 0)
	}
	if out.Session.InteractionCount != 5 {
		t.Errorf("expected 5 interactions, got %d", out.Session.InteractionCount)
	}
	if out.Session.Tier != 1 {
		t.Errorf("expected tier 1 at 5 interactions, got %d", out.Session.Tier)
	}
	if !out.TierAdvanced {
		t.Error("expected tier advance on the 5th interaction")
	}
	if out.NextMilestone != 15 {
		t.Errorf("expected 15 interactions to next tier, got %d", out.NextMilestone)
	}
}

func TestTierNeverRegresses(t *testing.T) {
	thresholds := []int{2}
	if tierFor(1, thresholds) != 0 || tierFor(2, thresholds) != 1 || tierFor(10, thresholds) != 1 {
		t.Error("tierFor ladder broken")
	}
	if nextMilestone(2, thresholds) != 0 {
		t.Error("exhausted ladder must report 0")
	}
}

func TestEmotionalStateEWMA(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	out := r.RecordTurn(ctx, "u1", "emo_ai", 1.0)
	if out.Session.EmotionalState != emotionAlpha {
		t.Errorf("expected first sample scaled by alpha, got %f", out.Session.EmotionalState)
	}
	out = r.RecordTurn(ctx, "u1", "emo_ai", -1.0)
	want := (1-emotionAlpha)*emotionAlpha + emotionAlpha*(-1.0)
	if diff := out.Session.EmotionalState - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected ewma %f, got %f", want, out.Session.EmotionalState)
	}
}

func TestArchiveIdleAndReactivate(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.SetClock(func() time.Time { return now })

	r.RecordTurn(ctx, "u1", "companion", 0)

	now = base.Add(48 * time.Hour)
	if n := r.ArchiveIdle(ctx, 24*time.Hour); n != 1 {
		t.Fatalf("expected 1 archived session, got %d", n)
	}
	s, _ := r.Get("u1", "companion")
	if !s.Archived {
		t.Error("expected session archived")
	}

	// Archived sessions reactivate on the next turn, count preserved.
	out := r.RecordTurn(ctx, "u1", "companion", 0)
	if out.Session.Archived {
		t.Error("expected session reactivated")
	}
	if out.Session.InteractionCount != 2 {
		t.Errorf("expected count preserved across archive, got %d", out.Session.InteractionCount)
	}
}

func TestSentiment(t *testing.T) {
	if s := Sentiment("I love this, thanks, it's amazing!"); s <= 0 {
		t.Errorf("expected positive sentiment, got %f", s)
	}
	if s := Sentiment("I'm so sad and lonely and stressed."); s >= 0 {
		t.Errorf("expected negative sentiment, got %f", s)
	}
	if s := Sentiment("the meeting is at noon"); s != 0 {
		t.Errorf("expected neutral sentiment, got %f", s)
	}
}
