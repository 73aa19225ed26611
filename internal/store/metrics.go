package store

import (
	"context"
	"fmt"
	"time"
)

// InsertSample appends one metric observation.
func (s *Store) InsertSample(ctx context.Context, metric, agentType string, value float64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO metric_samples (metric, agent_type, value, observed_at)
		VALUES ($1, $2, $3, $4)`,
		metric, agentType, value, at,
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// UpsertBaseline writes the rolling baseline for one (metric, agent type)
// pair.
func (s *Store) UpsertBaseline(ctx context.Context, metric, agentType string, mean, variance float64, samples int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO performance_baselines (metric, agent_type, mean, variance, sample_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (metric, agent_type)
		DO UPDATE SET mean = $3, variance = $4, sample_count = $5, updated_at = now()`,
		metric, agentType, mean, variance, samples,
	)
	if err != nil {
		return fmt.Errorf("upsert baseline: %w", err)
	}
	return nil
}
