package dispatch

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/prophantom/johnnet/internal/agent"
	"github.com/prophantom/johnnet/internal/backend"
	"github.com/prophantom/johnnet/internal/config"
	"github.com/prophantom/johnnet/internal/fault"
	"github.com/prophantom/johnnet/internal/memory"
	"github.com/prophantom/johnnet/internal/metrics"
)

// gateBackend blocks generations until released, so tests can hold a
// turn in flight deterministically. entered signals each call reaching
// the backend; cancelled signals a call aborted by its context.
type gateBackend struct {
	gate      chan struct{}
	entered   chan struct{}
	cancelled chan struct{}
	reply     string
}

func (g *gateBackend) ID() string   { return "gate" }
func (g *gateBackend) Name() string { return "gate" }

func (g *gateBackend) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResult, error) {
	if g.entered != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
	}
	if g.gate != nil {
		select {
		case <-ctx.Done():
			if g.cancelled != nil {
				select {
				case g.cancelled <- struct{}{}:
				default:
				}
			}
			return nil, ctx.Err()
		case <-g.gate:
		}
	}
	return &backend.GenerateResult{Text: g.reply, Model: req.Model}, nil
}

func (g *gateBackend) HealthCheck(ctx context.Context) error { return nil }

func newTestDispatcher(t *testing.T, cfg config.DispatcherConfig, gb *gateBackend) *Dispatcher {
	t.Helper()
	logger := zap.NewNop()

	router := backend.NewRouter(logger)
	router.Register(gb)
	router.SetDefault(gb.ID())

	mem := memory.NewStore(memory.DefaultOptions(), logger)
	profiles := agent.Profiles(nil)
	reg := agent.NewRegistry(profiles, logger)
	agg := metrics.NewAggregator(metrics.DefaultOptions(), logger)

	runtimes := make(map[string]*agent.Runtime)
	for typ, p := range profiles {
		runtimes[typ] = agent.NewRuntime(p, mem, router, reg, agg, time.Second, logger)
	}
	return NewDispatcher(cfg, runtimes, logger)
}

func defaultTestConfig() config.DispatcherConfig {
	cfg := config.Default().Dispatcher
	return cfg
}

func waitFrame(t *testing.T, ch chan Envelope, frameType string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Type == frameType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", frameType)
		}
	}
}

func TestOpenUnknownAgentType(t *testing.T) {
	d := newTestDispatcher(t, defaultTestConfig(), &gateBackend{reply: "ok"})
	if _, err := d.Open("u1", "nonexistent"); !fault.Is(err, fault.KindAgentUnavailable) {
		t.Errorf("expected agent_unavailable, got %v", err)
	}
}

func TestOpenPerOwnerCeiling(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.PerUserAgentLimit = 2
	d := newTestDispatcher(t, cfg, &gateBackend{reply: "ok"})

	for i := 0; i < 2; i++ {
		if _, err := d.Open("u1", "companion"); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	if _, err := d.Open("u1", "companion"); !fault.Is(err, fault.KindAdmissionRejected) {
		t.Errorf("expected admission_rejected on third connection, got %v", err)
	}
	// A different owner is unaffected.
	if _, err := d.Open("u2", "companion"); err != nil {
		t.Errorf("other user rejected: %v", err)
	}
}

func TestSendDeliversInOrder(t *testing.T) {
	d := newTestDispatcher(t, defaultTestConfig(), &gateBackend{reply: "ok"})
	conn, err := d.Open("u1", "companion")
	if err != nil {
		t.Fatal(err)
	}
	ch := make(chan Envelope, 32)
	conn.Attach(ch, 0)

	seq1, err := d.Send(conn.ID, "first")
	if err != nil {
		t.Fatal(err)
	}
	seq2, err := d.Send(conn.ID, "second")
	if err != nil {
		t.Fatal(err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence numbers must increase: %d then %d", seq1, seq2)
	}

	r1 := waitFrame(t, ch, "reply")
	r2 := waitFrame(t, ch, "reply")
	if r1.Seq != seq1 || r2.Seq != seq2 {
		t.Errorf("replies out of order: got %d,%d want %d,%d", r1.Seq, r2.Seq, seq1, seq2)
	}
}

func TestSendAfterClose(t *testing.T) {
	d := newTestDispatcher(t, defaultTestConfig(), &gateBackend{reply: "ok"})
	conn, _ := d.Open("u1", "companion")
	if err := d.Close(conn.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Send(conn.ID, "hello"); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("expected invalid_state after close, got %v", err)
	}
}

func TestGlobalAdmissionLimit(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.GlobalLimit = 1
	gb := &gateBackend{gate: make(chan struct{}), reply: "ok"}
	d := newTestDispatcher(t, cfg, gb)

	c1, _ := d.Open("u1", "companion")
	c2, _ := d.Open("u2", "companion")
	ch := make(chan Envelope, 8)
	c1.Attach(ch, 0)

	if _, err := d.Send(c1.ID, "held"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Send(c2.ID, "over limit"); !fault.Is(err, fault.KindAdmissionRejected) {
		t.Errorf("expected admission_rejected at global limit, got %v", err)
	}

	close(gb.gate)
	waitFrame(t, ch, "reply")

	// Capacity released; the other connection can proceed.
	if _, err := d.Send(c2.ID, "retry"); err != nil {
		t.Errorf("expected capacity released, got %v", err)
	}
}

func TestBurstQueueRejection(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.BurstQueueSize = 1
	cfg.WorkerPoolSize = 1
	gb := &gateBackend{gate: make(chan struct{}), reply: "ok"}
	d := newTestDispatcher(t, cfg, gb)

	conn, _ := d.Open("u1", "companion")

	if _, err := d.Send(conn.ID, "executing"); err != nil {
		t.Fatal(err)
	}
	// Wait until the first turn is dequeued and executing.
	for i := 0; conn.State() != StateBusy && i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := d.Send(conn.ID, "queued"); err != nil {
		t.Fatalf("expected one queued turn admitted: %v", err)
	}
	if _, err := d.Send(conn.ID, "rejected"); !fault.Is(err, fault.KindAdmissionRejected) {
		t.Errorf("expected admission_rejected on full queue, got %v", err)
	}
	close(gb.gate)
}

func TestReplayAfterResume(t *testing.T) {
	d := newTestDispatcher(t, defaultTestConfig(), &gateBackend{reply: "ok"})
	conn, _ := d.Open("u1", "companion")

	// No client attached; the reply accumulates in the retained queue.
	seq, err := d.Send(conn.ID, "while away")
	if err != nil {
		t.Fatal(err)
	}
	waitPending(t, conn)

	ch := make(chan Envelope, 8)
	replay := conn.Attach(ch, 0)
	if len(replay) != 1 || replay[0].Seq != seq || replay[0].Type != "reply" {
		t.Fatalf("expected exactly the missed reply in replay, got %+v", replay)
	}

	// Acked frames are not replayed again.
	conn.Detach()
	replay = conn.Attach(ch, seq)
	if len(replay) != 0 {
		t.Errorf("expected empty replay after ack, got %+v", replay)
	}
}

func TestReplayGapMarker(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.RetainedQueueSize = 2
	d := newTestDispatcher(t, cfg, &gateBackend{reply: "ok"})
	conn, _ := d.Open("u1", "companion")

	for i := 0; i < 4; i++ {
		if _, err := d.Send(conn.ID, "msg"); err != nil {
			t.Fatal(err)
		}
		waitPending(t, conn)
	}

	ch := make(chan Envelope, 8)
	replay := conn.Attach(ch, 0)
	if len(replay) != 3 {
		t.Fatalf("expected gap frame plus 2 retained frames, got %d: %+v", len(replay), replay)
	}
	if replay[0].Type != "gap" {
		t.Errorf("expected leading gap frame, got %q", replay[0].Type)
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	gb := &gateBackend{gate: make(chan struct{}), entered: make(chan struct{}, 4), cancelled: make(chan struct{}, 4), reply: "ok"}
	d := newTestDispatcher(t, defaultTestConfig(), gb)
	conn, _ := d.Open("u1", "companion")

	if _, err := d.Send(conn.ID, "held"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gb.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the backend")
	}

	if err := d.Close(conn.ID); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gb.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("backend call survived the close")
	}
}

func TestExecutePerOwnerLimit(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.PerUserAgentLimit = 1
	gb := &gateBackend{gate: make(chan struct{}), entered: make(chan struct{}, 4), reply: "ok"}
	d := newTestDispatcher(t, cfg, gb)

	done := make(chan error, 1)
	go func() {
		_, err := d.Execute(context.Background(), "u1", "companion", "held")
		done <- err
	}()
	select {
	case <-gb.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached the backend")
	}

	if _, err := d.Execute(context.Background(), "u1", "companion", "over"); !fault.Is(err, fault.KindAdmissionRejected) {
		t.Errorf("expected admission_rejected for the same owner, got %v", err)
	}

	close(gb.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	// Owner capacity released with the first turn.
	if _, err := d.Execute(context.Background(), "u1", "companion", "after"); err != nil {
		t.Errorf("expected owner capacity released, got %v", err)
	}
}

func TestActiveSenderStaysLive(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.HeartbeatInterval = time.Minute
	cfg.GraceWindow = 2 * time.Minute
	d := newTestDispatcher(t, cfg, &gateBackend{reply: "ok"})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	d.SetClock(func() time.Time { return now })

	conn, _ := d.Open("u1", "companion")

	// A client that only posts turns, never heartbeats, must not expire.
	for i := 0; i < 6; i++ {
		now = now.Add(time.Minute)
		if _, err := d.Send(conn.ID, "still here"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		waitPending(t, conn)
		d.sweep()
	}
	if st := conn.State(); st == StateReconnecting || st == StateClosed {
		t.Fatalf("steadily posting connection drifted to %s", st)
	}
}

func TestBusyConnectionNotExpired(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.HeartbeatInterval = time.Minute
	cfg.GraceWindow = 2 * time.Minute
	gb := &gateBackend{gate: make(chan struct{}), entered: make(chan struct{}, 4), reply: "ok"}
	d := newTestDispatcher(t, cfg, gb)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	d.SetClock(func() time.Time { return now })

	conn, _ := d.Open("u1", "companion")
	if _, err := d.Send(conn.ID, "long turn"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gb.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the backend")
	}

	now = now.Add(10 * time.Minute)
	d.sweep()
	if conn.State() != StateBusy {
		t.Fatalf("busy connection swept to %s", conn.State())
	}

	close(gb.gate)
	waitPending(t, conn)
}

func TestHeartbeatExpiry(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.HeartbeatInterval = time.Minute
	cfg.GraceWindow = 5 * time.Minute
	d := newTestDispatcher(t, cfg, &gateBackend{reply: "ok"})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	d.SetClock(func() time.Time { return now })

	conn, _ := d.Open("u1", "companion")

	// Two missed intervals move the connection to reconnecting.
	now = base.Add(2 * time.Minute)
	d.sweep()
	if conn.State() != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", conn.State())
	}

	// A heartbeat inside the grace window recovers it.
	conn.Beat()
	if conn.State() != StateConnected {
		t.Fatalf("expected recovery to connected, got %s", conn.State())
	}

	// Silence past the grace window closes and expires the session.
	now = now.Add(2 * time.Minute)
	d.sweep()
	now = now.Add(6 * time.Minute)
	d.sweep()
	if conn.State() != StateClosed {
		t.Fatalf("expected closed after grace, got %s", conn.State())
	}
	if _, err := d.Send(conn.ID, "too late"); !fault.Is(err, fault.KindSessionExpired) {
		t.Errorf("expected session_expired, got %v", err)
	}
}

// waitPending blocks until the connection has no queued or executing turns.
func waitPending(t *testing.T, conn *Connection) {
	t.Helper()
	for i := 0; i < 200; i++ {
		conn.mu.Lock()
		p := conn.pending
		conn.mu.Unlock()
		if p == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("turn never completed")
}
