package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prophantom/johnnet/internal/store"
)

// emotionAlpha smooths the per-session emotional state.
const emotionAlpha = 0.3

// Session tracks the evolving relationship between one user and one
// agent type. Interaction counts only move forward; tiers never regress.
type Session struct {
	UserID           string    `json:"user_id"`
	AgentType        string    `json:"agent_type"`
	InteractionCount int       `json:"interaction_count"`
	Tier             int       `json:"tier"`
	EmotionalState   float64   `json:"emotional_state"` // ewma of message sentiment in [-1, 1]
	CreatedAt        time.Time `json:"created_at"`
	LastActive       time.Time `json:"last_active"`
	Archived         bool      `json:"archived"`
}

// SessionSink persists session counters.
type SessionSink interface {
	UpsertSession(ctx context.Context, rec store.SessionRecord) error
}

// Registry holds every session in memory, keyed by (user, agent type).
// Sessions are archived on inactivity, never deleted.
type Registry struct {
	thresholds map[string][]int // agent type -> tier thresholds
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	sink SessionSink
}

// NewRegistry creates a session registry with per-agent tier thresholds.
func NewRegistry(profiles map[string]Profile, logger *zap.Logger) *Registry {
	thresholds := make(map[string][]int, len(profiles))
	for t, p := range profiles {
		thresholds[t] = p.TierThresholds
	}
	return &Registry{
		thresholds: thresholds,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
}

// SetSink attaches durable session storage.
func (r *Registry) SetSink(s SessionSink) { r.sink = s }

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func sessionKey(userID, agentType string) string {
	return userID + "\x00" + agentType
}

// Restore loads persisted sessions into the registry on startup.
func (r *Registry) Restore(recs []store.SessionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		r.sessions[sessionKey(rec.UserID, rec.AgentType)] = &Session{
			UserID:           rec.UserID,
			AgentType:        rec.AgentType,
			InteractionCount: rec.InteractionCount,
			Tier:             rec.Tier,
			EmotionalState:   rec.EmotionalState,
			CreatedAt:        rec.LastActive,
			LastActive:       rec.LastActive,
			Archived:         rec.Archived,
		}
	}
}

// Get returns a copy of the session, if it exists.
func (r *Registry) Get(userID, agentType string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionKey(userID, agentType)]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// TurnOutcome summarizes what one recorded interaction changed.
type TurnOutcome struct {
	Session       Session
	TierAdvanced  bool
	NextMilestone int // interactions remaining to the next tier, 0 at max
}

// RecordTurn folds one completed interaction into the session, creating
// it on first contact. An archived session reactivates on its next turn.
func (r *Registry) RecordTurn(ctx context.Context, userID, agentType string, sentiment float64) TurnOutcome {
	now := r.now()
	key := sessionKey(userID, agentType)

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		s = &Session{UserID: userID, AgentType: agentType, CreatedAt: now}
		r.sessions[key] = s
	}
	s.Archived = false
	s.InteractionCount++
	s.LastActive = now
	s.EmotionalState = (1-emotionAlpha)*s.EmotionalState + emotionAlpha*sentiment

	prevTier := s.Tier
	thresholds := r.thresholds[agentType]
	if tier := tierFor(s.InteractionCount, thresholds); tier > s.Tier {
		s.Tier = tier
	}
	out := TurnOutcome{
		Session:       *s,
		TierAdvanced:  s.Tier > prevTier,
		NextMilestone: nextMilestone(s.InteractionCount, thresholds),
	}
	r.mu.Unlock()

	if out.TierAdvanced {
		r.logger.Info("session tier advanced",
			zap.String("user", userID),
			zap.String("agent", agentType),
			zap.Int("tier", out.Session.Tier))
	}
	r.persist(ctx, out.Session)
	return out
}

// ArchiveIdle marks sessions inactive past the window as archived and
// returns how many were archived.
func (r *Registry) ArchiveIdle(ctx context.Context, window time.Duration) int {
	now := r.now()
	var archived []Session

	r.mu.Lock()
	for _, s := range r.sessions {
		if !s.Archived && now.Sub(s.LastActive) > window {
			s.Archived = true
			archived = append(archived, *s)
		}
	}
	r.mu.Unlock()

	for _, s := range archived {
		r.persist(ctx, s)
	}
	return len(archived)
}

// List returns copies of all sessions.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

func (r *Registry) persist(ctx context.Context, s Session) {
	if r.sink == nil {
		return
	}
	err := r.sink.UpsertSession(ctx, store.SessionRecord{
		UserID:           s.UserID,
		AgentType:        s.AgentType,
		InteractionCount: s.InteractionCount,
		Tier:             s.Tier,
		EmotionalState:   s.EmotionalState,
		LastActive:       s.LastActive,
		Archived:         s.Archived,
	})
	if err != nil {
		r.logger.Warn("persist session failed",
			zap.String("user", s.UserID),
			zap.String("agent", s.AgentType),
			zap.Error(err))
	}
}

// tierFor maps an interaction count onto the tier ladder.
func tierFor(count int, thresholds []int) int {
	tier := 0
	for _, t := range thresholds {
		if count >= t {
			tier++
		}
	}
	return tier
}

// nextMilestone returns interactions remaining until the next tier, or 0
// when the ladder is exhausted.
func nextMilestone(count int, thresholds []int) int {
	for _, t := range thresholds {
		if count < t {
			return t - count
		}
	}
	return 0
}

// TierName gives a human label for a tier level.
func TierName(tier int) string {
	names := []string{"new", "warming_up", "familiar", "close", "bonded"}
	if tier < 0 {
		tier = 0
	}
	if tier >= len(names) {
		tier = len(names) - 1
	}
	return names[tier]
}

var positiveWords = map[string]bool{
	"love": true, "great": true, "happy": true, "thanks": true, "thank": true,
	"awesome": true, "good": true, "nice": true, "amazing": true, "excited": true,
	"wonderful": true, "perfect": true, "fun": true, "glad": true, "best": true,
}

var negativeWords = map[string]bool{
	"hate": true, "sad": true, "angry": true, "terrible": true, "awful": true,
	"bad": true, "worst": true, "annoyed": true, "upset": true, "tired": true,
	"lonely": true, "stressed": true, "anxious": true, "frustrated": true,
}

// Sentiment scores a message in [-1, 1] by counting affect words.
func Sentiment(text string) float64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return 0
	}
	var score int
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:'\"")
		if positiveWords[w] {
			score++
		} else if negativeWords[w] {
			score--
		}
	}
	switch {
	case score > 3:
		score = 3
	case score < -3:
		score = -3
	}
	return float64(score) / 3
}
