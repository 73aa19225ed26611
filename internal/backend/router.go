package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrNoBackend is returned when an agent type has no usable backend.
var ErrNoBackend = errors.New("no backend available")

// Router maps agent types to backends. Each backend sits behind a circuit
// breaker; when the bound backend's breaker is open the fallback chain is
// consulted. The router never retries a call itself; retry policy belongs
// to the agent runtime.
type Router struct {
	backends  map[string]Backend
	breakers  map[string]*gobreaker.CircuitBreaker
	bindings  map[string]string   // agentType -> backendID
	fallbacks map[string][]string // agentType -> fallback chain
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty backend router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		backends:  make(map[string]Backend),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a backend and wires its circuit breaker.
func (r *Router) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.ID()] = b
	r.breakers[b.ID()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    b.ID(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	if r.defaults == "" {
		r.defaults = b.ID()
	}
	r.logger.Info("registered backend", zap.String("id", b.ID()), zap.String("name", b.Name()))
}

// Bind associates an agent type with a backend.
func (r *Router) Bind(agentType, backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentType] = backendID
}

// SetFallbacks configures the fallback chain for an agent type.
func (r *Router) SetFallbacks(agentType string, backendIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentType] = backendIDs
}

// SetDefault sets the default backend ID.
func (r *Router) SetDefault(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = backendID
}

// Generate routes one generation call for the given agent type. If the
// bound backend's breaker is open, fallbacks are tried in order.
func (r *Router) Generate(ctx context.Context, agentType string, req *GenerateRequest) (*GenerateResult, error) {
	r.mu.RLock()
	chain := r.chainFor(agentType)
	r.mu.RUnlock()

	if len(chain) == 0 {
		return nil, fmt.Errorf("%w for agent type %s", ErrNoBackend, agentType)
	}

	var lastErr error
	for _, id := range chain {
		r.mu.RLock()
		b, ok := r.backends[id]
		cb := r.breakers[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return b.Generate(ctx, req)
		})
		if err == nil {
			return out.(*GenerateResult), nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.logger.Warn("backend breaker open, trying fallback",
				zap.String("backend", id), zap.String("agent_type", agentType))
			continue
		}
		// A real call was made and failed; surface it to the runtime,
		// which owns the single-retry policy.
		return nil, err
	}
	return nil, fmt.Errorf("all backends unavailable for %s: %w", agentType, lastErr)
}

// chainFor returns the bound backend followed by fallbacks (caller holds lock).
func (r *Router) chainFor(agentType string) []string {
	var chain []string
	if id, ok := r.bindings[agentType]; ok {
		chain = append(chain, id)
	} else if r.defaults != "" {
		chain = append(chain, r.defaults)
	}
	chain = append(chain, r.fallbacks[agentType]...)
	return chain
}

// Get returns a backend by ID.
func (r *Router) Get(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	return b, ok
}

// List returns all registered backends.
func (r *Router) List() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		result = append(result, b)
	}
	return result
}
