package analytics

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/prophantom/johnnet/internal/memory"
	"github.com/prophantom/johnnet/internal/metrics"
)

type stubStats struct{ st memory.Stats }

func (s stubStats) Stats() memory.Stats { return s.st }

func TestComputeFlagsAnomaly(t *testing.T) {
	agg := metrics.NewAggregator(metrics.Options{Alpha: 0.1, MinSamples: 5}, zap.NewNop())
	ctx := context.Background()

	// Stable latency, then a spike. A lone spike on a flat ewma baseline
	// lands at sqrt((1-alpha)/alpha) deviations, so test below that bound.
	for i := 0; i < 20; i++ {
		agg.Record(ctx, metrics.MetricLatencyMS, "companion", 100)
	}
	agg.Record(ctx, metrics.MetricLatencyMS, "companion", 5000)

	e := NewEngine(Options{Sigma: 2.0}, agg, stubStats{}, zap.NewNop())
	snap := e.Compute()

	if len(snap.Metrics) != 1 {
		t.Fatalf("expected 1 metric report, got %d", len(snap.Metrics))
	}
	if !snap.Metrics[0].Anomalous {
		t.Errorf("expected spike flagged anomalous, deviation %f", snap.Metrics[0].Deviation)
	}
}

func TestComputeSkipsInsufficientBaselines(t *testing.T) {
	agg := metrics.NewAggregator(metrics.Options{Alpha: 0.1, MinSamples: 10}, zap.NewNop())
	ctx := context.Background()

	agg.Record(ctx, metrics.MetricLatencyMS, "companion", 100)
	agg.Record(ctx, metrics.MetricLatencyMS, "companion", 9000)

	e := NewEngine(Options{Sigma: 3.0}, agg, stubStats{}, zap.NewNop())
	snap := e.Compute()

	if snap.Metrics[0].Anomalous {
		t.Error("insufficient baseline must never flag anomalies")
	}
	if snap.Metrics[0].Deviation != 0 {
		t.Errorf("expected zero deviation on insufficient baseline, got %f", snap.Metrics[0].Deviation)
	}
}

func TestSnapshotBeforeFirstCompute(t *testing.T) {
	agg := metrics.NewAggregator(metrics.DefaultOptions(), zap.NewNop())
	e := NewEngine(DefaultOptions(), agg, stubStats{}, zap.NewNop())

	snap := e.Snapshot()
	if !snap.ComputedAt.IsZero() {
		t.Errorf("expected zero snapshot before first compute, got %v", snap.ComputedAt)
	}
}

func TestRecommendations(t *testing.T) {
	agg := metrics.NewAggregator(metrics.DefaultOptions(), zap.NewNop())
	st := memory.Stats{Total: 10, Active: 2, Archived: 8, AvgImportance: 0.1}
	e := NewEngine(DefaultOptions(), agg, stubStats{st: st}, zap.NewNop())

	snap := e.Compute()
	if len(snap.Recommendations) != 2 {
		t.Fatalf("expected 2 recommendations, got %d: %v", len(snap.Recommendations), snap.Recommendations)
	}
}
