package agent

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/prophantom/johnnet/internal/backend"
	"github.com/prophantom/johnnet/internal/fault"
	"github.com/prophantom/johnnet/internal/memory"
	"github.com/prophantom/johnnet/internal/metrics"
)

type stubBackend struct {
	id    string
	fails int // fail this many calls before succeeding
	delay time.Duration
	calls int
	reply string
}

func (s *stubBackend) ID() string   { return s.id }
func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResult, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.calls <= s.fails {
		return nil, errors.New("stub backend failure")
	}
	return &backend.GenerateResult{
		Text:             s.reply,
		Model:            req.Model,
		PromptTokens:     10,
		CompletionTokens: 5,
		Confidence:       0.9,
		HasConfidence:    true,
	}, nil
}

func (s *stubBackend) HealthCheck(ctx context.Context) error { return nil }

type runtimeFixture struct {
	rt   *Runtime
	mem  *memory.Store
	reg  *Registry
	agg  *metrics.Aggregator
	stub *stubBackend
}

func newRuntimeFixture(t *testing.T, stub *stubBackend, timeout time.Duration) *runtimeFixture {
	t.Helper()
	logger := zap.NewNop()

	router := backend.NewRouter(logger)
	router.Register(stub)
	router.SetDefault(stub.id)

	mem := memory.NewStore(memory.DefaultOptions(), logger)
	profiles := Profiles(nil)
	reg := NewRegistry(profiles, logger)
	agg := metrics.NewAggregator(metrics.DefaultOptions(), logger)

	rt := NewRuntime(profiles["companion"], mem, router, reg, agg, timeout, logger)
	return &runtimeFixture{rt: rt, mem: mem, reg: reg, agg: agg, stub: stub}
}

func TestHandleSuccess(t *testing.T) {
	f := newRuntimeFixture(t, &stubBackend{id: "b1", reply: "hello there"}, time.Second)

	res, err := f.rt.Handle(context.Background(), "u1", "hi, I'm excited to meet you")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Reply != "hello there" {
		t.Errorf("unexpected reply %q", res.Reply)
	}
	if res.Model != "gemma2:2b" {
		t.Errorf("expected companion model, got %q", res.Model)
	}

	if st := f.mem.Stats(); st.Total != 1 {
		t.Errorf("expected 1 memory item after the turn, got %d", st.Total)
	}
	s, ok := f.reg.Get("u1", "companion")
	if !ok || s.InteractionCount != 1 {
		t.Errorf("expected session with 1 interaction, got %+v", s)
	}
	if b := f.agg.BaselineFor(metrics.MetricLatencyMS, "companion"); b.Samples != 1 {
		t.Errorf("expected 1 latency sample, got %d", b.Samples)
	}
	if b := f.agg.BaselineFor(metrics.MetricConfidence, "companion"); b.Samples != 1 {
		t.Errorf("expected 1 confidence sample, got %d", b.Samples)
	}
}

func TestHandleRetriesOnce(t *testing.T) {
	f := newRuntimeFixture(t, &stubBackend{id: "b1", fails: 1, reply: "second try"}, time.Second)

	res, err := f.rt.Handle(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if res.Reply != "second try" {
		t.Errorf("unexpected reply %q", res.Reply)
	}
	if f.stub.calls != 2 {
		t.Errorf("expected exactly 2 backend calls, got %d", f.stub.calls)
	}
	// The retry must not double-write the exchange.
	if st := f.mem.Stats(); st.Total != 1 {
		t.Errorf("expected 1 memory item, got %d", st.Total)
	}
}

func TestHandleUnavailableAfterSecondFailure(t *testing.T) {
	f := newRuntimeFixture(t, &stubBackend{id: "b1", fails: 2}, time.Second)

	_, err := f.rt.Handle(context.Background(), "u1", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !fault.Is(err, fault.KindAgentUnavailable) {
		t.Errorf("expected agent_unavailable, got %v", err)
	}
	if f.stub.calls != 2 {
		t.Errorf("expected exactly 2 backend calls, got %d", f.stub.calls)
	}
	if st := f.mem.Stats(); st.Total != 0 {
		t.Errorf("failed turn must not write memory, got %d items", st.Total)
	}
	if _, ok := f.reg.Get("u1", "companion"); ok {
		t.Error("failed turn must not create a session")
	}
}

func TestHandleTimeout(t *testing.T) {
	f := newRuntimeFixture(t, &stubBackend{id: "b1", delay: 200 * time.Millisecond}, 20*time.Millisecond)

	_, err := f.rt.Handle(context.Background(), "u1", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !fault.Is(err, fault.KindBackendTimeout) {
		t.Errorf("expected backend_timeout, got %v", err)
	}
	if f.stub.calls != 1 {
		t.Errorf("timeout must not retry, got %d calls", f.stub.calls)
	}
	if st := f.mem.Stats(); st.Total != 0 {
		t.Errorf("timed-out turn must not write memory, got %d items", st.Total)
	}
}

func TestHandleFiveTurnProgression(t *testing.T) {
	f := newRuntimeFixture(t, &stubBackend{id: "b1", reply: "ok"}, time.Second)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	f.mem.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	var last *TurnResult
	for i := 0; i < 5; i++ {
		var err error
		last, err = f.rt.Handle(ctx, "u1", "tell me something")
		if err != nil {
			t.Fatalf("turn %d: %v", i+1, err)
		}
	}
	if last.Tier != 1 || !last.TierAdvanced {
		t.Errorf("expected tier advance on 5th turn, got tier=%d advanced=%v", last.Tier, last.TierAdvanced)
	}
	if last.TierName != "warming_up" {
		t.Errorf("unexpected tier name %q", last.TierName)
	}
	if st := f.mem.Stats(); st.Total != 5 {
		t.Errorf("expected 5 memory items after 5 turns, got %d", st.Total)
	}

	// Each turn writes one episodic item; creation times keep turn order.
	items := f.mem.Query(ctx, "u1", "companion", "", 10)
	if len(items) != 5 {
		t.Fatalf("expected 5 active items, got %d", len(items))
	}
	times := make([]time.Time, len(items))
	for i, sc := range items {
		if sc.Item.Kind != memory.KindEpisodic {
			t.Errorf("expected episodic item, got %s", sc.Item.Kind)
		}
		times[i] = sc.Item.CreatedAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			t.Errorf("creation times must strictly increase: %v then %v", times[i-1], times[i])
		}
	}
}
