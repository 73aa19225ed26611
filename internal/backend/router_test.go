package backend

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type stubBackend struct {
	id    string
	fail  bool
	calls int
}

func (s *stubBackend) ID() string   { return s.id }
func (s *stubBackend) Name() string { return s.id }

func (s *stubBackend) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("backend down")
	}
	return &GenerateResult{Text: "from " + s.id, Model: req.Model}, nil
}

func (s *stubBackend) HealthCheck(ctx context.Context) error { return nil }

func TestRouteDefault(t *testing.T) {
	r := NewRouter(zap.NewNop())
	b := &stubBackend{id: "only"}
	r.Register(b)

	res, err := r.Generate(context.Background(), "unbound_type", &GenerateRequest{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "from only" {
		t.Errorf("unexpected result %q", res.Text)
	}
}

func TestRouteBinding(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &stubBackend{id: "a"}
	b := &stubBackend{id: "b"}
	r.Register(a)
	r.Register(b)
	r.SetDefault("a")
	r.Bind("special", "b")

	if _, err := r.Generate(context.Background(), "special", &GenerateRequest{}); err != nil {
		t.Fatal(err)
	}
	if b.calls != 1 || a.calls != 0 {
		t.Errorf("binding not honored: a=%d b=%d", a.calls, b.calls)
	}
}

func TestRouteNoBackend(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Generate(context.Background(), "anything", &GenerateRequest{}); !errors.Is(err, ErrNoBackend) {
		t.Errorf("expected ErrNoBackend, got %v", err)
	}
}

func TestFallbackAfterBreakerOpens(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &stubBackend{id: "primary", fail: true}
	fallback := &stubBackend{id: "fallback"}
	r.Register(primary)
	r.Register(fallback)
	r.Bind("t", "primary")
	r.SetFallbacks("t", []string{"fallback"})

	// Failures surface to the caller until the breaker trips.
	for i := 0; i < 3; i++ {
		if _, err := r.Generate(context.Background(), "t", &GenerateRequest{}); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if primary.calls != 3 {
		t.Fatalf("expected 3 primary calls, got %d", primary.calls)
	}

	// Breaker now open; the call skips primary and lands on the fallback.
	res, err := r.Generate(context.Background(), "t", &GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "from fallback" {
		t.Errorf("unexpected result %q", res.Text)
	}
	if primary.calls != 3 {
		t.Errorf("open breaker still called primary: %d calls", primary.calls)
	}
}
