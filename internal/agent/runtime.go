package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prophantom/johnnet/internal/backend"
	"github.com/prophantom/johnnet/internal/events"
	"github.com/prophantom/johnnet/internal/fault"
	"github.com/prophantom/johnnet/internal/memory"
	"github.com/prophantom/johnnet/internal/metrics"
)

// Runtime executes turns for one agent type. It owns the retry policy:
// a failed backend call is retried once against the same context
// snapshot; a timeout is surfaced immediately and writes nothing.
type Runtime struct {
	profile  Profile
	mem      *memory.Store
	router   *backend.Router
	sessions *Registry
	agg      *metrics.Aggregator
	bus      *events.Bus // optional
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewRuntime creates the runtime for one agent profile.
func NewRuntime(p Profile, mem *memory.Store, router *backend.Router, sessions *Registry, agg *metrics.Aggregator, timeout time.Duration, logger *zap.Logger) *Runtime {
	return &Runtime{
		profile:  p,
		mem:      mem,
		router:   router,
		sessions: sessions,
		agg:      agg,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// SetBus attaches the optional event bus.
func (rt *Runtime) SetBus(b *events.Bus) { rt.bus = b }

// SetClock overrides the time source. Tests only.
func (rt *Runtime) SetClock(now func() time.Time) { rt.now = now }

// Profile returns the runtime's agent profile.
func (rt *Runtime) Profile() Profile { return rt.profile }

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Reply         string  `json:"reply"`
	Model         string  `json:"model"`
	Tier          int     `json:"tier"`
	TierName      string  `json:"tier_name"`
	TierAdvanced  bool    `json:"tier_advanced"`
	NextMilestone int     `json:"next_milestone"`
	SnapshotID    string  `json:"snapshot_id"`
	ContextItems  int     `json:"context_items"`
	LatencyMS     float64 `json:"latency_ms"`
	Confidence    float64 `json:"confidence,omitempty"`
	HasConfidence bool    `json:"has_confidence,omitempty"`
}

// Handle runs one turn: recall context, call the model, remember the
// exchange and update the session.
func (rt *Runtime) Handle(ctx context.Context, userID, message string) (*TurnResult, error) {
	snap, ranked := rt.mem.BuildSnapshot(ctx, userID, rt.profile.Type, message, 0)

	req := &backend.GenerateRequest{
		Model:   rt.profile.Model,
		System:  rt.systemPrompt(snap),
		Message: message,
		Constraints: backend.Constraints{
			Temperature: rt.profile.Temperature,
			MaxTokens:   rt.profile.MaxTokens,
		},
	}

	start := rt.now()
	res, err := rt.generate(ctx, req)
	if err != nil {
		if fault.Is(err, fault.KindBackendTimeout) || ctx.Err() != nil {
			// A timeout is surfaced as-is; a cancelled caller gets no retry.
			return nil, err
		}
		// One retry against the same snapshot. The context was already
		// built; regenerating it would make retries observable.
		rt.logger.Warn("backend call failed, retrying",
			zap.String("agent", rt.profile.Type),
			zap.Error(err))
		res, err = rt.generate(ctx, req)
		if err != nil {
			if fault.Is(err, fault.KindBackendTimeout) {
				return nil, err
			}
			return nil, fault.Wrap(fault.KindAgentUnavailable, err, "agent %s failed twice", rt.profile.Type)
		}
	}
	latency := rt.now().Sub(start)

	sentiment := Sentiment(message)
	if _, werr := rt.mem.Write(ctx, memory.WriteInput{
		UserID:     userID,
		AgentType:  rt.profile.Type,
		Kind:       memory.KindEpisodic,
		Text:       fmt.Sprintf("User said: %s\nAgent replied: %s", message, clip(res.Text, 400)),
		Importance: turnImportance(sentiment),
	}); werr != nil {
		rt.logger.Warn("memory write failed", zap.String("agent", rt.profile.Type), zap.Error(werr))
	}

	outcome := rt.sessions.RecordTurn(ctx, userID, rt.profile.Type, sentiment)

	rt.agg.Record(ctx, metrics.MetricLatencyMS, rt.profile.Type, float64(latency.Milliseconds()))
	rt.agg.Record(ctx, metrics.MetricTokens, rt.profile.Type, float64(res.PromptTokens+res.CompletionTokens))
	if res.HasConfidence {
		rt.agg.Record(ctx, metrics.MetricConfidence, rt.profile.Type, res.Confidence)
	}

	rt.publish(ctx, "turn_completed", userID, "")
	if outcome.TierAdvanced {
		rt.publish(ctx, "session_milestone", userID, TierName(outcome.Session.Tier))
	}

	return &TurnResult{
		Reply:         res.Text,
		Model:         res.Model,
		Tier:          outcome.Session.Tier,
		TierName:      TierName(outcome.Session.Tier),
		TierAdvanced:  outcome.TierAdvanced,
		NextMilestone: outcome.NextMilestone,
		SnapshotID:    snap.ID,
		ContextItems:  len(ranked),
		LatencyMS:     float64(latency.Milliseconds()),
		Confidence:    res.Confidence,
		HasConfidence: res.HasConfidence,
	}, nil
}

// generate makes one bounded backend call.
func (rt *Runtime) generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	res, err := rt.router.Generate(callCtx, rt.profile.Type, req)
	if err != nil {
		// Only the per-call deadline counts as a backend timeout. A
		// cancelled parent context is the caller's doing and passes through.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindBackendTimeout, err, "backend did not answer within %s", rt.timeout)
		}
		return nil, err
	}
	return res, nil
}

func (rt *Runtime) systemPrompt(snap *memory.Snapshot) string {
	if snap == nil || snap.Summary == "" {
		return rt.profile.SystemPrompt
	}
	return rt.profile.SystemPrompt +
		"\n\nWhat you remember about this user:\n" + snap.Summary
}

func (rt *Runtime) publish(ctx context.Context, eventType, userID, payload string) {
	if rt.bus == nil {
		return
	}
	err := rt.bus.Publish(ctx, &events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		UserID:    userID,
		AgentType: rt.profile.Type,
		Payload:   payload,
		Timestamp: rt.now(),
	})
	if err != nil {
		rt.logger.Warn("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

// turnImportance weights emotionally charged turns above neutral ones.
func turnImportance(sentiment float64) float64 {
	base := 0.5
	if sentiment < 0 {
		sentiment = -sentiment
	}
	imp := base + 0.4*sentiment
	if imp > 1 {
		imp = 1
	}
	return imp
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
