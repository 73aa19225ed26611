package store

import (
	"context"
	"fmt"
	"time"
)

// SessionRecord is the persisted shape of an agent session.
type SessionRecord struct {
	UserID           string
	AgentType        string
	InteractionCount int
	Tier             int
	EmotionalState   float64
	LastActive       time.Time
	Archived         bool
}

// UpsertSession writes the current session counters for one (user, agent
// type) pair.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_sessions (user_id, agent_type, interaction_count, tier, emotional_state, last_active, archived)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, agent_type)
		DO UPDATE SET interaction_count = $3, tier = $4, emotional_state = $5, last_active = $6, archived = $7`,
		rec.UserID, rec.AgentType, rec.InteractionCount, rec.Tier, rec.EmotionalState, rec.LastActive, rec.Archived,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// LoadSessions returns all persisted sessions, used to rehydrate the
// session registry on startup.
func (s *Store) LoadSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, agent_type, interaction_count, tier, emotional_state, last_active, archived
		FROM agent_sessions`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.UserID, &rec.AgentType, &rec.InteractionCount, &rec.Tier,
			&rec.EmotionalState, &rec.LastActive, &rec.Archived); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
