package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prophantom/johnnet/internal/agent"
	"github.com/prophantom/johnnet/internal/config"
	"github.com/prophantom/johnnet/internal/fault"
)

// Dispatcher admits, sequences and executes turns across every open
// connection. Admission is bounded three ways: a global in-flight limit,
// a per-(user, agent type) connection ceiling, and a bounded per-connection
// queue. Anything over a bound is rejected immediately, never blocked.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	logger   *zap.Logger
	runtimes map[string]*agent.Runtime
	now      func() time.Time

	mu         sync.RWMutex
	conns      map[string]*Connection
	ownerConns map[string]int
	quits      map[string]chan struct{}
	syncSlots  map[string]*syncSlot

	sem     chan struct{} // global in-flight turns
	workers chan struct{} // concurrent backend executions
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given agent runtimes.
func NewDispatcher(cfg config.DispatcherConfig, runtimes map[string]*agent.Runtime, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		logger:     logger,
		runtimes:   runtimes,
		now:        time.Now,
		conns:      make(map[string]*Connection),
		ownerConns: make(map[string]int),
		quits:      make(map[string]chan struct{}),
		syncSlots:  make(map[string]*syncSlot),
		sem:        make(chan struct{}, cfg.GlobalLimit),
		workers:    make(chan struct{}, cfg.WorkerPoolSize),
	}
}

// SetClock overrides the time source. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

func ownerKey(userID, agentType string) string {
	return userID + "\x00" + agentType
}

// syncSlot bounds and orders synchronous turns for one (user, agent type).
type syncSlot struct {
	mu       sync.Mutex
	inflight int
}

// Open establishes a connection for (user, agent type). The per-owner
// ceiling applies to open connections, not in-flight turns.
func (d *Dispatcher) Open(userID, agentType string) (*Connection, error) {
	if _, ok := d.runtimes[agentType]; !ok {
		return nil, fault.New(fault.KindAgentUnavailable, "unknown agent type %q", agentType)
	}

	key := ownerKey(userID, agentType)
	d.mu.Lock()
	if d.ownerConns[key] >= d.cfg.PerUserAgentLimit {
		d.mu.Unlock()
		return nil, fault.New(fault.KindAdmissionRejected, "connection limit reached for %s/%s", userID, agentType)
	}
	conn := newConnection(userID, agentType, d.cfg.RetainedQueueSize, d.cfg.BurstQueueSize, d.now)
	conn.mu.Lock()
	conn.state = StateConnected
	conn.mu.Unlock()

	quit := make(chan struct{})
	d.conns[conn.ID] = conn
	d.quits[conn.ID] = quit
	d.ownerConns[key]++
	d.mu.Unlock()

	d.wg.Add(1)
	go d.serve(conn, quit)

	d.logger.Info("connection opened",
		zap.String("conn", conn.ID),
		zap.String("user", userID),
		zap.String("agent", agentType))
	return conn, nil
}

// Get returns an open connection by id.
func (d *Dispatcher) Get(connID string) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[connID]
	return c, ok
}

// Send admits one turn on the connection and returns the sequence number
// its reply frame will carry. Turns on one connection execute in
// submission order.
func (d *Dispatcher) Send(connID, message string) (uint64, error) {
	d.mu.RLock()
	conn, ok := d.conns[connID]
	d.mu.RUnlock()
	if !ok {
		return 0, fault.New(fault.KindInvalidState, "unknown connection %s", connID)
	}

	conn.mu.Lock()
	state := conn.state
	expired := conn.expired
	conn.mu.Unlock()
	switch {
	case state == StateClosed && expired:
		return 0, fault.New(fault.KindSessionExpired, "session expired for connection %s", connID)
	case state == StateClosed:
		return 0, fault.New(fault.KindInvalidState, "connection %s is closed", connID)
	}

	select {
	case d.sem <- struct{}{}:
	default:
		return 0, fault.New(fault.KindAdmissionRejected, "platform at capacity")
	}

	seq := conn.reserveSeq()
	j := job{message: message, seq: seq, done: func() { <-d.sem }}
	conn.mu.Lock()
	conn.pending++
	conn.mu.Unlock()

	select {
	case conn.jobs <- j:
		// An admitted turn is as good a liveness signal as a heartbeat.
		conn.Beat()
		return seq, nil
	default:
		conn.mu.Lock()
		conn.pending--
		conn.mu.Unlock()
		<-d.sem
		return 0, fault.New(fault.KindAdmissionRejected, "burst queue full for connection %s", connID)
	}
}

// Execute admits and runs one synchronous turn outside any connection.
// Used by the plain request/response API. The global bound applies, plus
// a per-(user, agent type) in-flight ceiling; admitted turns for one
// owner run one at a time, in admission order.
func (d *Dispatcher) Execute(ctx context.Context, userID, agentType, message string) (*agent.TurnResult, error) {
	rt, ok := d.runtimes[agentType]
	if !ok {
		return nil, fault.New(fault.KindAgentUnavailable, "unknown agent type %q", agentType)
	}

	key := ownerKey(userID, agentType)
	d.mu.Lock()
	slot, ok := d.syncSlots[key]
	if !ok {
		slot = &syncSlot{}
		d.syncSlots[key] = slot
	}
	if slot.inflight >= d.cfg.PerUserAgentLimit {
		d.mu.Unlock()
		return nil, fault.New(fault.KindAdmissionRejected, "request limit reached for %s/%s", userID, agentType)
	}
	slot.inflight++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		slot.inflight--
		d.mu.Unlock()
	}()

	select {
	case d.sem <- struct{}{}:
	default:
		return nil, fault.New(fault.KindAdmissionRejected, "platform at capacity")
	}
	defer func() { <-d.sem }()

	slot.mu.Lock()
	defer slot.mu.Unlock()

	d.workers <- struct{}{}
	defer func() { <-d.workers }()

	return rt.Handle(ctx, userID, message)
}

// serve executes the connection's turns in order until it closes.
func (d *Dispatcher) serve(conn *Connection, quit chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-quit:
			d.drain(conn)
			return
		case j := <-conn.jobs:
			d.execute(conn, j)
		}
	}
}

func (d *Dispatcher) execute(conn *Connection, j job) {
	defer j.done()
	d.workers <- struct{}{}
	defer func() { <-d.workers }()

	conn.markBusy(true)
	defer func() {
		conn.mu.Lock()
		conn.pending--
		conn.mu.Unlock()
		conn.markBusy(false)
	}()

	rt := d.runtimes[conn.AgentType]
	res, err := rt.Handle(conn.ctx, conn.UserID, j.message)
	if err != nil {
		if conn.ctx.Err() != nil {
			conn.mu.Lock()
			expired := conn.expired
			conn.mu.Unlock()
			kind := fault.KindInvalidState
			if expired {
				kind = fault.KindSessionExpired
			}
			err = fault.New(kind, "connection closed while the turn was in flight")
		}
		d.logger.Warn("turn failed",
			zap.String("conn", conn.ID),
			zap.String("agent", conn.AgentType),
			zap.Error(err))
		conn.pushWithSeq(j.seq, "error", errorPayload(err))
		return
	}
	conn.pushWithSeq(j.seq, "reply", res)
}

// drain fails whatever was queued when the connection closed.
func (d *Dispatcher) drain(conn *Connection) {
	for {
		select {
		case j := <-conn.jobs:
			conn.mu.Lock()
			expired := conn.expired
			conn.pending--
			conn.mu.Unlock()
			kind := fault.KindInvalidState
			if expired {
				kind = fault.KindSessionExpired
			}
			conn.pushWithSeq(j.seq, "error", errorPayload(fault.New(kind, "connection closed before the turn ran")))
			j.done()
		default:
			return
		}
	}
}

// Close shuts one connection down. Queued turns fail with invalid_state.
func (d *Dispatcher) Close(connID string) error {
	d.mu.Lock()
	conn, ok := d.conns[connID]
	if !ok {
		d.mu.Unlock()
		return fault.New(fault.KindInvalidState, "unknown connection %s", connID)
	}
	quit, live := d.quits[connID]
	delete(d.conns, connID)
	if live {
		delete(d.quits, connID)
		d.ownerConns[ownerKey(conn.UserID, conn.AgentType)]--
	}
	d.mu.Unlock()

	conn.close()
	if live {
		close(quit)
	}
	d.logger.Info("connection closed", zap.String("conn", connID))
	return nil
}

// Run drives heartbeats and the reconnection grace window until the
// context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep sends heartbeats and expires connections whose grace window has
// lapsed.
func (d *Dispatcher) sweep() {
	d.mu.RLock()
	conns := make([]*Connection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.RUnlock()

	for _, c := range conns {
		c.heartbeat()
		if c.checkLiveness(d.cfg.HeartbeatInterval, d.cfg.GraceWindow) {
			d.expire(c)
		}
	}
}

// expire tears a connection down after its grace window lapses. The
// entry stays registered as a tombstone so later sends surface
// session_expired rather than an unknown connection.
func (d *Dispatcher) expire(conn *Connection) {
	d.mu.Lock()
	quit, ok := d.quits[conn.ID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.quits, conn.ID)
	d.ownerConns[ownerKey(conn.UserID, conn.AgentType)]--
	d.mu.Unlock()

	conn.mu.Lock()
	conn.expired = true
	conn.mu.Unlock()
	conn.close()
	close(quit)
	d.logger.Info("connection expired",
		zap.String("conn", conn.ID),
		zap.String("user", conn.UserID))
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.conns))
	for id := range d.conns {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.Close(id)
	}
	d.wg.Wait()
}

// Stats summarizes dispatcher load.
type Stats struct {
	Connections int `json:"connections"`
	InFlight    int `json:"in_flight"`
}

// Stats returns current dispatcher load.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		Connections: len(d.conns),
		InFlight:    len(d.sem),
	}
}

func errorPayload(err error) map[string]string {
	return map[string]string{
		"kind":    string(fault.KindOf(err)),
		"message": err.Error(),
	}
}
