// Package autoheal implements a thin supervisor above the client engine
// (spec §4.8): bounded retries with exponential backoff, and a
// circuit-breaker that rejects submissions with BUSY for a cooldown
// period once retries are exhausted. Unlike the streak/wall-clock
// breaker it is grounded on, it advances purely off the transport's
// monotonic clock so it fits the same single-threaded, non-blocking
// poll loop as the rest of the engine.
package autoheal

import (
	"errors"

	"go.uber.org/zap"

	"github.com/maling6/mbcore/client"
	"github.com/maling6/mbcore/framing"
)

// State is the supervisor's finite state machine (spec §4.8).
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateScheduled
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateScheduled:
		return "SCHEDULED"
	case StateCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "IDLE"
	}
}

// ErrBusy is returned by Submit while the circuit breaker is open.
var ErrBusy = errors.New("autoheal: circuit open")

// Config configures a Supervisor (spec §4.8).
type Config struct {
	MaxRetries       int
	InitialBackoffMs int64
	MaxBackoffMs     int64
	CooldownMs       int64
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoffMs <= 0 {
		c.InitialBackoffMs = 50
	}
	if c.MaxBackoffMs <= 0 {
		c.MaxBackoffMs = 5000
	}
	if c.CooldownMs <= 0 {
		c.CooldownMs = c.MaxBackoffMs
	}
}

// Callback receives the final outcome of a supervised submission: the
// client's result, once the underlying transaction completes. It is never
// invoked for a Submit rejected while the breaker is open; Submit itself
// returns ErrBusy in that case.
type Callback func(client.Result)

type pending struct {
	req       client.Request
	retries   int
	backoffMs int64
	readyAt   int64
	userCB    Callback
}

// Supervisor wraps a client.Engine with retry/backoff/circuit-breaker
// policy. Like the engine it wraps, it is single-threaded: Poll and
// Submit must be called from the same thread.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger
	client *client.Engine

	state       State
	current     *pending
	circuitOpen int64 // timestamp the circuit opened
	now         int64 // most recent transport clock reading, valid during Poll

	retryCount uint64
	tripCount  uint64
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// New wraps eng with auto-heal policy.
func New(eng *client.Engine, cfg Config, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{cfg: cfg, logger: zap.NewNop(), client: eng, state: StateIdle}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the supervisor's current top-level state.
func (s *Supervisor) State() State { return s.state }

// RetryCount returns the total number of retries issued since construction.
func (s *Supervisor) RetryCount() uint64 { return s.retryCount }

// TripCount returns the number of times the circuit breaker has opened.
func (s *Supervisor) TripCount() uint64 { return s.tripCount }

// Submit submits req through the wrapped client engine, taking over its
// retry/backoff policy. The request's own Retries/RetryBackoffMs fields
// are ignored; the supervisor's Config governs retries instead. cb (if
// non-nil) is invoked exactly once, with the final outcome, once the
// request either succeeds or exhausts its retries.
func (s *Supervisor) Submit(req client.Request, cb Callback) error {
	if s.state == StateCircuitOpen {
		return ErrBusy
	}
	if s.state != StateIdle {
		return client.ErrNoResources
	}

	p := &pending{req: req, userCB: cb, backoffMs: s.cfg.InitialBackoffMs}
	s.current = p
	s.state = StateWaiting

	innerReq := req
	innerReq.Retries = 0
	innerReq.Callback = func(r client.Result) { s.onComplete(r) }

	if _, err := s.client.Submit(innerReq); err != nil {
		s.state = StateIdle
		s.current = nil
		return err
	}
	return nil
}

func (s *Supervisor) onComplete(r client.Result) {
	p := s.current
	if p == nil {
		return
	}
	if r.Status == client.StatusOK || r.Status == client.StatusException {
		s.finish(r)
		return
	}
	if p.retries >= s.cfg.MaxRetries {
		s.openCircuit()
		s.finish(r)
		return
	}
	p.retries++
	s.retryCount++
	p.readyAt = s.now + p.backoffMs
	p.backoffMs *= 2
	if p.backoffMs > s.cfg.MaxBackoffMs {
		p.backoffMs = s.cfg.MaxBackoffMs
	}
	s.state = StateScheduled
}

func (s *Supervisor) finish(r client.Result) {
	p := s.current
	s.current = nil
	if s.state != StateCircuitOpen {
		s.state = StateIdle
	}
	if p != nil && p.userCB != nil {
		p.userCB(r)
	}
}

func (s *Supervisor) openCircuit() {
	s.tripCount++
	s.state = StateCircuitOpen
	s.circuitOpen = s.now
}

// Poll drives the supervisor and its wrapped client engine forward by one
// step. It never blocks.
func (s *Supervisor) Poll(t framing.Transport) {
	s.now = t.Now()
	now := s.now

	switch s.state {
	case StateCircuitOpen:
		if now-s.circuitOpen >= s.cfg.CooldownMs {
			s.state = StateIdle
			s.current = nil
		}
	case StateScheduled:
		p := s.current
		if now >= p.readyAt {
			innerReq := p.req
			innerReq.Retries = 0
			innerReq.Callback = func(r client.Result) { s.onComplete(r) }
			if _, err := s.client.Submit(innerReq); err != nil {
				s.openCircuit()
				return
			}
			s.state = StateWaiting
		}
	}

	s.client.Poll(t)
}
