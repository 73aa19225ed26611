package metrics

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Common metric names recorded by the agent runtime.
const (
	MetricLatencyMS  = "latency_ms"
	MetricConfidence = "confidence"
	MetricTokens     = "turn_tokens"
	MetricErrors     = "error_rate"
)

// Baseline is the rolling statistical profile of one (metric, agent type)
// pair.
type Baseline struct {
	Metric       string    `json:"metric"`
	AgentType    string    `json:"agent_type"`
	Mean         float64   `json:"mean"`
	Variance     float64   `json:"variance"`
	StdDev       float64   `json:"std_dev"`
	Samples      int       `json:"samples"`
	Latest       float64   `json:"latest"`
	Insufficient bool      `json:"insufficient"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SampleSink receives every recorded observation, typically for durable
// storage.
type SampleSink interface {
	InsertSample(ctx context.Context, metric, agentType string, value float64, at time.Time) error
}

// Options tunes the exponentially weighted baselines.
type Options struct {
	Alpha      float64            // default smoothing factor
	AlphaFor   map[string]float64 // per-metric overrides
	MinSamples int                // below this a baseline reports Insufficient
}

// DefaultOptions returns the standard smoothing configuration.
func DefaultOptions() Options {
	return Options{Alpha: 0.1, MinSamples: 10}
}

type series struct {
	mean     float64
	variance float64
	count    int
	latest   float64
	updated  time.Time
}

// Aggregator maintains exponentially weighted mean and variance per
// (metric, agent type) pair. Safe for concurrent use.
type Aggregator struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	series map[string]*series

	sink SampleSink
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts Options, logger *zap.Logger) *Aggregator {
	if opts.Alpha <= 0 {
		opts.Alpha = DefaultOptions().Alpha
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultOptions().MinSamples
	}
	return &Aggregator{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		series: make(map[string]*series),
	}
}

// SetSink attaches a durable mirror for raw samples.
func (a *Aggregator) SetSink(s SampleSink) { a.sink = s }

// SetClock overrides the time source. Tests only.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

func (a *Aggregator) alphaFor(metric string) float64 {
	if v, ok := a.opts.AlphaFor[metric]; ok && v > 0 {
		return v
	}
	return a.opts.Alpha
}

// Record folds one observation into the baseline.
func (a *Aggregator) Record(ctx context.Context, metric, agentType string, value float64) {
	key := metric + "\x00" + agentType
	alpha := a.alphaFor(metric)
	at := a.now()

	a.mu.Lock()
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}
	if s.count == 0 {
		s.mean = value
		s.variance = 0
	} else {
		diff := value - s.mean
		incr := alpha * diff
		s.mean += incr
		s.variance = (1 - alpha) * (s.variance + diff*incr)
	}
	s.count++
	s.latest = value
	s.updated = at
	a.mu.Unlock()

	if a.sink != nil {
		if err := a.sink.InsertSample(ctx, metric, agentType, value, at); err != nil {
			a.logger.Warn("persist sample failed", zap.String("metric", metric), zap.Error(err))
		}
	}
}

// BaselineFor returns the current baseline for one pair. Below the
// minimum sample count the baseline is flagged Insufficient and must not
// drive anomaly decisions.
func (a *Aggregator) BaselineFor(metric, agentType string) Baseline {
	key := metric + "\x00" + agentType

	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[key]
	if !ok {
		return Baseline{Metric: metric, AgentType: agentType, Insufficient: true}
	}
	return Baseline{
		Metric:       metric,
		AgentType:    agentType,
		Mean:         s.mean,
		Variance:     s.variance,
		StdDev:       math.Sqrt(s.variance),
		Samples:      s.count,
		Latest:       s.latest,
		Insufficient: s.count < a.opts.MinSamples,
		UpdatedAt:    s.updated,
	}
}

// Baselines returns every tracked baseline.
func (a *Aggregator) Baselines() []Baseline {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Baseline, 0, len(a.series))
	for key, s := range a.series {
		metric, agentType := splitKey(key)
		out = append(out, Baseline{
			Metric:       metric,
			AgentType:    agentType,
			Mean:         s.mean,
			Variance:     s.variance,
			StdDev:       math.Sqrt(s.variance),
			Samples:      s.count,
			Latest:       s.latest,
			Insufficient: s.count < a.opts.MinSamples,
			UpdatedAt:    s.updated,
		})
	}
	return out
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
