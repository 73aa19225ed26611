package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the connection lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Envelope is one sequenced frame delivered to a client. Sequence numbers
// are per connection, strictly increasing, and never reused.
type Envelope struct {
	Type    string      `json:"type"` // "reply", "error", "heartbeat", "gap", "event"
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload,omitempty"`
}

// Connection is one client's attachment to an agent. While the client is
// away, replies accumulate in a bounded retained queue and are replayed
// on resume; the oldest frames are dropped first, and a drop is made
// visible by a gap frame.
type Connection struct {
	ID        string
	UserID    string
	AgentType string

	retainLimit int
	now         func() time.Time

	// ctx is cancelled when the connection closes or expires, aborting
	// any in-flight turn tied to it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	expired   bool // closed because the grace window lapsed
	seq       uint64
	retained  []Envelope
	gapped    bool // frames were dropped since the last replay
	out       chan Envelope
	lastSeen  time.Time
	awaySince time.Time

	jobs    chan job
	pending int // queued plus executing turns
}

type job struct {
	message string
	seq     uint64 // reserved seq for the reply frame
	done    func()
}

func newConnection(userID, agentType string, retainLimit, queueSize int, now func() time.Time) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		AgentType:   agentType,
		retainLimit: retainLimit,
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateConnecting,
		lastSeen:    now(),
		jobs:        make(chan job, queueSize),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attach registers a live delivery channel and replays retained frames
// newer than ack. Dropped frames are surfaced as a single gap frame.
func (c *Connection) Attach(ch chan Envelope, ack uint64) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trimAckedLocked(ack)

	var replay []Envelope
	if c.gapped {
		c.seq++
		replay = append(replay, Envelope{Type: "gap", Seq: c.seq})
		c.gapped = false
	}
	replay = append(replay, c.retained...)

	c.out = ch
	if c.state == StateReconnecting || c.state == StateConnecting {
		c.state = StateConnected
	}
	c.lastSeen = c.now()
	return replay
}

// Detach drops the live channel without closing the connection. Frames
// keep accumulating in the retained queue.
func (c *Connection) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = nil
}

// Ack acknowledges delivery up to seq, releasing retained frames.
func (c *Connection) Ack(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimAckedLocked(seq)
}

func (c *Connection) trimAckedLocked(seq uint64) {
	i := 0
	for i < len(c.retained) && c.retained[i].Seq <= seq {
		i++
	}
	c.retained = c.retained[i:]
}

// Beat records client liveness.
func (c *Connection) Beat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = c.now()
	if c.state == StateReconnecting {
		c.state = StateConnected
	}
}

// push assigns the next sequence number and delivers or retains the frame.
func (c *Connection) push(frameType string, payload interface{}) Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	env := Envelope{Type: frameType, Seq: c.seq, Payload: payload}
	c.deliverLocked(env)
	return env
}

// pushWithSeq delivers a frame under a previously reserved sequence number.
func (c *Connection) pushWithSeq(seq uint64, frameType string, payload interface{}) Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	env := Envelope{Type: frameType, Seq: seq, Payload: payload}
	c.deliverLocked(env)
	return env
}

// reserveSeq allocates the sequence number a future frame will carry, so
// replies keep submission order even when produced out of band.
func (c *Connection) reserveSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Connection) deliverLocked(env Envelope) {
	if c.state == StateClosed {
		return
	}
	if len(c.retained) >= c.retainLimit {
		c.retained = c.retained[1:]
		c.gapped = true
	}
	c.retained = append(c.retained, env)

	if c.out != nil {
		select {
		case c.out <- env:
		default:
			// Slow consumer; the frame stays retained for replay.
		}
	}
}

// heartbeat sends a liveness frame to an attached client. Heartbeats
// carry no sequence number and are never retained or replayed.
func (c *Connection) heartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return
	}
	select {
	case c.out <- Envelope{Type: "heartbeat"}:
	default:
	}
}

// markBusy flips between idle and busy as turns start and finish.
func (c *Connection) markBusy(busy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateReconnecting {
		return
	}
	if busy {
		c.state = StateBusy
	} else {
		c.state = StateIdle
	}
}

// checkLiveness transitions to reconnecting after two missed heartbeat
// intervals and reports whether the grace window has lapsed. A busy
// connection has a turn executing on the client's behalf and is never
// treated as away.
func (c *Connection) checkLiveness(interval, grace time.Duration) (expired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	switch c.state {
	case StateClosed, StateBusy:
		return false
	case StateReconnecting:
		return now.Sub(c.awaySince) > grace
	default:
		if now.Sub(c.lastSeen) >= 2*interval {
			c.state = StateReconnecting
			c.awaySince = now
			c.out = nil
		}
		return false
	}
}

// close transitions to the terminal state and cancels any in-flight
// turn. Idempotent.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.out = nil
	c.retained = nil
	c.cancel()
}
