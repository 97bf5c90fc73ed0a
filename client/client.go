// Package client implements the client-side (master) protocol engine
// (spec §4.5): a finite-state machine that drives one outstanding request
// at a time over a non-blocking transport, with FC-specific timeouts,
// retry/backoff, priority queuing, cancellation, and a poison-pill drain.
package client

import (
	"errors"

	"go.uber.org/zap"

	"github.com/maling6/mbcore/diag"
	"github.com/maling6/mbcore/framing"
	"github.com/maling6/mbcore/pdu"
	"github.com/maling6/mbcore/txqueue"
)

// Status is the finite outcome vocabulary a transaction's callback is
// invoked with (spec §7).
type Status int

const (
	StatusOK Status = iota
	StatusException
	StatusTimeout
	StatusCancelled
	StatusIOError
	StatusInvalidArgument
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusException:
		return "EXCEPTION"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusCancelled:
		return "CANCELLED"
	case StatusIOError:
		return "IO_ERROR"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return "UNKNOWN"
	}
}

// Errors returned directly by the engine's API (spec §7).
var (
	ErrNoResources      = errors.New("client: no resources")
	ErrInvalidArgument  = errors.New("client: invalid argument")
	ErrHandleNotFound   = errors.New("client: handle not found")
)

// State is the client engine's finite state machine (spec §4.5).
type State int

const (
	StateIdle State = iota
	StateReady
	StateWaiting
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReady:
		return "READY"
	case StateWaiting:
		return "WAITING"
	case StateBackoff:
		return "BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// FramingKind selects which framer/encoder pairing the engine drives.
type FramingKind int

const (
	FramingRTU FramingKind = iota
	FramingTCP
)

// Handle identifies a submitted transaction; it borrows a pool slot and is
// only valid until the transaction completes.
type Handle int

// Result is delivered to a transaction's Callback exactly once.
type Result struct {
	Status        Status
	ExceptionCode uint8
	Function      uint8
	Payload       []byte
}

// Callback is invoked synchronously from the engine's Poll goroutine.
type Callback func(Result)

// Request is what a caller hands to Submit.
type Request struct {
	UnitID         uint8
	Function       uint8
	Payload        []byte
	ExpectResponse bool // false only for broadcast (unit id 0) writes; treated as true for any other unit id
	TimeoutMs      int64
	Retries        int
	RetryBackoffMs int64
	HighPriority   bool
	Callback       Callback
}

// Framer is the minimal surface the client engine needs from either the
// RTU or TCP framer.
type Framer interface {
	Poll(t framing.Transport) (framing.ADU, framing.Status, bool)
	Send(t framing.Transport, frame []byte) framing.Status
}

// tidFramer is implemented by the TCP framer only; the client engine uses
// it to read back the transaction id of the most recently decoded frame.
type tidFramer interface {
	TransactionID() uint16
}

// Encoder wraps a PDU into a complete frame for the underlying framing;
// TCP encoders use tid, RTU encoders ignore it.
type Encoder func(unitID, function uint8, payload []byte, tid uint16) ([]byte, error)

// Config configures a client Engine (spec §6).
type Config struct {
	QueueCapacity     int
	WatchdogMs        int64
	ResponseTimeoutMs int64
	DefaultRetries    int
	DefaultBackoffMs  int64
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 32
	}
	if c.ResponseTimeoutMs <= 0 {
		c.ResponseTimeoutMs = 1000
	}
}

type transaction struct {
	payload        []byte
	unitID         uint8
	function       uint8
	expectResponse bool

	baseTimeoutMs    int64
	currentTimeoutMs int64
	retryBackoffMs   int64
	retriesRemaining int

	tid uint16

	submitTS     int64
	sendTS       int64
	deadline     int64
	retryReadyAt int64

	priority bool
	callback Callback
}

// Engine is the client-side protocol engine. An Engine is single-threaded:
// every method, Submit, SubmitPoison and Cancel included, must only be
// called from the thread that calls Poll. It has no cross-thread
// submission path; the txqueue SPSC/MPSC rings are not wired into it.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	framing FramingKind
	framer  Framer
	encode  Encoder
	events  diag.Sink

	pool  *txqueue.Pool[transaction]
	queue *txqueue.Queue

	state  State
	active int // pool handle of the in-flight/ready/backoff transaction, -1 if none

	nextTID uint16

	fcTimeouts map[uint8]int64

	Diag diag.Diag
}

// New builds a client engine. capacity bounds the transaction pool (and,
// by default, the queue).
func New(kind FramingKind, framer Framer, encode Encoder, cfg Config, capacity int, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:        cfg,
		logger:     zap.NewNop(),
		framing:    kind,
		framer:     framer,
		encode:     encode,
		pool:       txqueue.NewPool[transaction](capacity),
		queue:      txqueue.NewQueue(cfg.QueueCapacity),
		active:     -1,
		fcTimeouts: make(map[uint8]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.emit(diag.Event{Kind: diag.EventEngineInitialised})
	return e
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithEventCallback installs the event sink (equivalent to SetEventCallback).
func WithEventCallback(fn func(diag.Event, any), ctx any) Option {
	return func(e *Engine) { e.events = diag.Sink{Fn: fn, Ctx: ctx} }
}

// SetEventCallback installs (or replaces) the event sink.
func (e *Engine) SetEventCallback(fn func(diag.Event, any), ctx any) {
	e.events = diag.Sink{Fn: fn, Ctx: ctx}
}

// SetWatchdog sets the hard ceiling on any single transaction; 0 disables it.
func (e *Engine) SetWatchdog(ms int64) { e.cfg.WatchdogMs = ms }

// SetQueueCapacity changes the pending-transaction queue capacity.
func (e *Engine) SetQueueCapacity(n int) { e.queue.SetCapacity(n) }

// SetFCTimeout installs a per-function-code timeout override; a non-zero
// value overrides request.TimeoutMs == 0 at submission time.
func (e *Engine) SetFCTimeout(fc uint8, ms int64) { e.fcTimeouts[fc] = ms }

// QueueCapacity returns the configured pending-transaction capacity.
func (e *Engine) QueueCapacity() int { return e.queue.Capacity() }

// Pending returns the number of transactions waiting in queue (excludes
// the active one).
func (e *Engine) Pending() int { return e.queue.Len() }

// IsIdle reports whether the engine has no active transaction and nothing
// queued.
func (e *Engine) IsIdle() bool { return e.state == StateIdle && e.queue.Len() == 0 }

// GetMetrics returns a copy of the engine's counters.
func (e *Engine) GetMetrics() diag.Metrics { return e.Diag.Metrics }

// ResetMetrics zeroes the engine's counters.
func (e *Engine) ResetMetrics() { e.Diag.ResetMetrics() }

// GetDiag returns the engine's diagnostic table.
func (e *Engine) GetDiag() *diag.Diag { return &e.Diag }

// ResetDiag clears the per-FC/per-slot diagnostic table.
func (e *Engine) ResetDiag() { e.Diag.Reset() }

// State returns the engine's current top-level state.
func (e *Engine) State() State { return e.state }

func (e *Engine) emit(ev diag.Event) { e.events.Emit(ev) }

// Submit validates req, acquires a pool slot, and enqueues it. It returns
// ErrNoResources if the pool or the queue (priority and FIFO entries
// counted together) is at capacity.
func (e *Engine) Submit(req Request) (Handle, error) {
	if len(req.Payload) > pdu.MaxPayload {
		return -1, ErrInvalidArgument
	}
	if req.Function&pdu.ExceptionBit != 0 {
		return -1, ErrInvalidArgument
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs == 0 {
		if override, ok := e.fcTimeouts[req.Function]; ok && override > 0 {
			timeoutMs = override
		} else {
			timeoutMs = e.cfg.ResponseTimeoutMs
		}
	}
	retries := req.Retries
	backoff := req.RetryBackoffMs
	if backoff <= 0 {
		backoff = e.cfg.DefaultBackoffMs
	}

	handle, txn, ok := e.pool.Acquire()
	if !ok {
		return -1, ErrNoResources
	}

	*txn = transaction{
		payload:          append([]byte(nil), req.Payload...),
		unitID:           req.UnitID,
		function:         req.Function,
		expectResponse:   req.ExpectResponse || req.UnitID != 0,
		baseTimeoutMs:    timeoutMs,
		currentTimeoutMs: timeoutMs,
		retryBackoffMs:   backoff,
		retriesRemaining: retries,
		priority:         req.HighPriority,
		callback:         req.Callback,
	}
	if e.framing == FramingTCP {
		txn.tid = e.allocTID()
	}

	if err := e.queue.Push(handle, req.HighPriority); err != nil {
		e.pool.Release(handle)
		return -1, ErrNoResources
	}
	e.Diag.Metrics.Submitted++
	return Handle(handle), nil
}

func (e *Engine) allocTID() uint16 {
	e.nextTID++
	if e.nextTID == 0 {
		e.nextTID = 1
	}
	return e.nextTID
}

// SubmitPoison enqueues the poison pill (capacity-exempt) and, per spec,
// immediately cancels the in-flight transaction if there is one — its
// callback fires synchronously with CANCELLED before SubmitPoison returns,
// the same way Cancel behaves. Any transactions still queued drain to
// CANCELLED on the next Poll once the poison pill reaches the head.
func (e *Engine) SubmitPoison() {
	e.queue.PushPoison()
	if e.active != -1 {
		txn := e.pool.Get(e.active)
		e.completeActive(Result{Status: StatusCancelled, Function: txn.function})
	}
}

// Cancel marks a queued transaction cancelled in place, or — if handle is
// the in-flight transaction — transitions the engine to IDLE. In both
// cases the completion callback fires synchronously with StatusCancelled
// before Cancel returns.
func (e *Engine) Cancel(handle Handle) error {
	h := int(handle)
	if e.active == h {
		e.completeActive(Result{Status: StatusCancelled, Function: e.pool.Get(h).function})
		return nil
	}
	if e.queue.Remove(h) {
		txn := e.pool.Get(h)
		e.fire(txn, Result{Status: StatusCancelled, Function: txn.function})
		e.pool.Release(h)
		e.Diag.Metrics.Cancelled++
		return nil
	}
	return ErrHandleNotFound
}

// Poll drives the state machine forward by one step: from IDLE it promotes
// the next transaction and sends it (IDLE -> READY -> WAITING) in the same
// call; from any other state it makes at most one transition. It never
// blocks.
func (e *Engine) Poll(t framing.Transport) {
	e.emit(diag.Event{Kind: diag.EventStepBegin})
	defer e.emit(diag.Event{Kind: diag.EventStepEnd})

	now := t.Now()
	switch e.state {
	case StateIdle:
		handle, isPoison, ok := e.queue.Pop()
		if !ok {
			return
		}
		if isPoison {
			e.handlePoison()
			return
		}
		e.pool.Get(handle).submitTS = now
		e.active = handle
		e.state = StateReady
		e.attemptSend(t, now)
	case StateReady:
		e.attemptSend(t, now)
	case StateWaiting:
		e.stepWaiting(t, now)
	case StateBackoff:
		txn := e.pool.Get(e.active)
		if now >= txn.retryReadyAt {
			e.state = StateReady
			e.attemptSend(t, now)
		}
	}
}

// PollWithBudget drives the engine forward by at most steps poll
// invocations, stopping early after any step that completes the
// transaction that was active when that step began. It exists to integrate into cooperative
// schedulers without hogging the CPU (spec §9).
func (e *Engine) PollWithBudget(t framing.Transport, steps int) {
	for i := 0; i < steps; i++ {
		wasActive := e.active
		e.Poll(t)
		if wasActive != -1 && e.active == -1 {
			return
		}
	}
}

func (e *Engine) handlePoison() {
	e.Diag.Metrics.PoisonTriggers++
	for _, h := range e.queue.Drain() {
		txn := e.pool.Get(h)
		e.fire(txn, Result{Status: StatusCancelled, Function: txn.function})
		e.pool.Release(h)
		e.Diag.Metrics.Cancelled++
	}
	e.logger.Debug("client poison pill drained queue")
}

func (e *Engine) attemptSend(t framing.Transport, now int64) {
	txn := e.pool.Get(e.active)
	frame, err := e.encode(txn.unitID, txn.function, txn.payload, txn.tid)
	if err != nil {
		e.completeActive(Result{Status: StatusInvalidArgument, Function: txn.function})
		return
	}
	status := e.framer.Send(t, frame)
	switch status {
	case framing.StatusOK:
		txn.sendTS = now
		txn.deadline = now + txn.currentTimeoutMs
		if e.cfg.WatchdogMs > 0 {
			if ceiling := txn.submitTS + e.cfg.WatchdogMs; ceiling < txn.deadline {
				txn.deadline = ceiling
			}
		}
		e.emit(diag.Event{Kind: diag.EventTxSent, Function: txn.function})
		e.state = StateWaiting
		e.emit(diag.Event{Kind: diag.EventClientTxSubmit, Function: txn.function, ExpectResponse: txn.expectResponse})
		e.emit(diag.Event{Kind: diag.EventClientStateEnter, State: StateWaiting.String()})
	case framing.StatusWouldBlock:
		e.state = StateReady
	default:
		e.completeActive(Result{Status: StatusIOError, Function: txn.function})
	}
}

func (e *Engine) stepWaiting(t framing.Transport, now int64) {
	txn := e.pool.Get(e.active)
	adu, status, ready := e.framer.Poll(t)
	if ready {
		e.emit(diag.Event{Kind: diag.EventRxReady})
		switch status {
		case framing.StatusOK:
			e.emit(diag.Event{Kind: diag.EventPDUReady, Function: adu.Function})
			if e.matches(txn, adu) {
				e.completeFromADU(txn, adu)
				return
			}
			// stale/mismatched: dropped silently, transaction keeps waiting.
		case framing.StatusIOError:
			e.completeActive(Result{Status: StatusIOError, Function: txn.function})
			return
		case framing.StatusCRC:
			e.Diag.RecordSlot(diag.SlotCRC)
		default:
			// garbled bytes (decoding error) while waiting: dropped, the
			// transaction keeps waiting for its own deadline.
		}
	}

	if !txn.expectResponse {
		// Broadcast write: nothing will ever arrive; complete immediately
		// once the frame is on the wire.
		e.completeActive(Result{Status: StatusOK, Function: txn.function})
		return
	}

	if now >= txn.deadline {
		e.handleTimeout(txn, now)
	}
}

func (e *Engine) matches(txn *transaction, adu framing.ADU) bool {
	if e.framing == FramingTCP {
		if tf, ok := e.framer.(tidFramer); ok && tf.TransactionID() != txn.tid {
			return false
		}
	}
	if adu.UnitID != txn.unitID {
		return false
	}
	expected := txn.function
	return adu.Function == expected || adu.Function == (expected|pdu.ExceptionBit)
}

func (e *Engine) completeFromADU(txn *transaction, adu framing.ADU) {
	if pdu.IsException(adu.Function) {
		code, err := pdu.ParseException(adu.Function, adu.Payload)
		if err != nil {
			code = pdu.ExServerDeviceFailure
		}
		e.Diag.Metrics.Exceptions++
		e.completeActive(Result{Status: StatusException, ExceptionCode: code, Function: txn.function})
		return
	}
	e.Diag.RecordFCSuccess(txn.function)
	e.completeActive(Result{Status: StatusOK, Function: txn.function, Payload: adu.Payload})
}

func (e *Engine) handleTimeout(txn *transaction, now int64) {
	e.emit(diag.Event{Kind: diag.EventTimeout, Function: txn.function})
	if txn.retriesRemaining > 0 {
		txn.retriesRemaining--
		e.Diag.Metrics.Retries++
		txn.retryReadyAt = now + txn.retryBackoffMs
		e.emit(diag.Event{Kind: diag.EventClientStateExit, State: StateWaiting.String()})
		e.state = StateBackoff
		return
	}
	e.Diag.Metrics.Timeouts++
	e.completeActive(Result{Status: StatusTimeout, Function: txn.function})
}

func (e *Engine) completeActive(res Result) {
	txn := e.pool.Get(e.active)
	if e.state == StateWaiting {
		e.emit(diag.Event{Kind: diag.EventClientStateExit, State: StateWaiting.String()})
	}
	e.fire(txn, res)
	e.pool.Release(e.active)
	e.active = -1
	e.state = StateIdle
}

func (e *Engine) fire(txn *transaction, res Result) {
	switch res.Status {
	case StatusCancelled:
		e.Diag.RecordSlot(diag.SlotCancelled)
	case StatusTimeout:
		e.Diag.RecordSlot(diag.SlotTimeout)
	case StatusIOError:
		e.Diag.RecordSlot(diag.SlotIOError)
	case StatusInvalidArgument:
		e.Diag.RecordSlot(diag.SlotInvalidArgument)
	case StatusException:
		e.Diag.RecordSlot(diag.ExceptionSlot(res.ExceptionCode))
	default:
		e.Diag.RecordSlot(diag.SlotOK)
	}
	e.Diag.Metrics.Completed++
	e.emit(diag.Event{Kind: diag.EventClientTxComplete, Function: res.Function, Status: res.Status.String()})
	if txn.callback != nil {
		txn.callback(res)
	}
}
