package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prophantom/johnnet/internal/memory"
	"github.com/prophantom/johnnet/internal/metrics"
)

// Options tunes the analytics loop.
type Options struct {
	Interval time.Duration // how often baselines are re-evaluated
	Sigma    float64       // anomaly threshold in standard deviations
}

// DefaultOptions returns the standard analytics configuration.
func DefaultOptions() Options {
	return Options{Interval: 30 * time.Second, Sigma: 3.0}
}

// MetricReport is one baseline with its anomaly verdict.
type MetricReport struct {
	metrics.Baseline
	Anomalous bool    `json:"anomalous"`
	Deviation float64 `json:"deviation"` // |latest - mean| in std devs, 0 when insufficient
}

// Snapshot is the periodically computed platform health view.
type Snapshot struct {
	ComputedAt      time.Time      `json:"computed_at"`
	Metrics         []MetricReport `json:"metrics"`
	MemoryStats     memory.Stats   `json:"memory_stats"`
	Recommendations []string       `json:"recommendations"`
}

// StatsSource provides the memory-store summary folded into snapshots.
type StatsSource interface {
	Stats() memory.Stats
}

// Engine recomputes baselines and memory statistics on a fixed interval
// and serves the last completed snapshot without blocking callers.
type Engine struct {
	opts   Options
	agg    *metrics.Aggregator
	stats  StatsSource
	logger *zap.Logger
	now    func() time.Time

	mu   sync.RWMutex
	last *Snapshot
}

// NewEngine creates an analytics engine over the given aggregator and
// memory stats source.
func NewEngine(opts Options, agg *metrics.Aggregator, stats StatsSource, logger *zap.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.Sigma <= 0 {
		opts.Sigma = DefaultOptions().Sigma
	}
	return &Engine{
		opts:   opts,
		agg:    agg,
		stats:  stats,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Run recomputes snapshots until the context is canceled. An initial
// snapshot is computed immediately so the API never serves empty data.
func (e *Engine) Run(ctx context.Context) {
	e.Compute()
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Compute()
		}
	}
}

// Compute builds one snapshot and installs it as the current view.
func (e *Engine) Compute() Snapshot {
	snap := Snapshot{ComputedAt: e.now()}

	baselines := e.agg.Baselines()
	sort.Slice(baselines, func(i, j int) bool {
		if baselines[i].Metric != baselines[j].Metric {
			return baselines[i].Metric < baselines[j].Metric
		}
		return baselines[i].AgentType < baselines[j].AgentType
	})

	var anomalies int
	for _, b := range baselines {
		r := MetricReport{Baseline: b}
		if !b.Insufficient && b.StdDev > 0 {
			r.Deviation = math.Abs(b.Latest-b.Mean) / b.StdDev
			r.Anomalous = r.Deviation > e.opts.Sigma
		}
		if r.Anomalous {
			anomalies++
			e.logger.Warn("metric anomaly",
				zap.String("metric", b.Metric),
				zap.String("agent", b.AgentType),
				zap.Float64("latest", b.Latest),
				zap.Float64("mean", b.Mean),
				zap.Float64("deviation", r.Deviation))
		}
		snap.Metrics = append(snap.Metrics, r)
	}

	if e.stats != nil {
		snap.MemoryStats = e.stats.Stats()
	}
	snap.Recommendations = recommend(snap.MemoryStats, anomalies)

	e.mu.Lock()
	e.last = &snap
	e.mu.Unlock()
	return snap
}

// Snapshot returns the last computed snapshot. It never blocks on a
// computation in progress; before the first pass completes it returns a
// zero snapshot.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Snapshot{}
	}
	return *e.last
}

// recommend derives operator hints from the memory age distribution and
// anomaly count.
func recommend(st memory.Stats, anomalies int) []string {
	var recs []string
	if anomalies > 0 {
		recs = append(recs, fmt.Sprintf("%d metric(s) outside baseline; check backend health", anomalies))
	}
	if st.Total == 0 {
		return recs
	}
	if st.Archived > st.Active {
		recs = append(recs, "archived memories outnumber active; consider raising the archive floor")
	}
	if st.AvgImportance < 0.2 {
		recs = append(recs, "average importance is low; importance scoring may be miscalibrated")
	}
	if st.Recent > 0 && st.LongTerm == 0 && st.Total > 100 {
		recs = append(recs, "no long-term memories despite volume; consolidation may not be keeping up")
	}
	return recs
}
