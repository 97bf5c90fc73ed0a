// Package server implements the server-side (slave) protocol engine (spec
// §4.6): frame acceptance, FC dispatch against a register map, exception
// generation, broadcast handling, and a bounded request queue with
// FC-specific staleness timeouts.
package server

import (
	"go.uber.org/zap"

	"github.com/maling6/mbcore/diag"
	"github.com/maling6/mbcore/framing"
	"github.com/maling6/mbcore/pdu"
	"github.com/maling6/mbcore/server/regmap"
	"github.com/maling6/mbcore/txqueue"
)

// State is the server engine's finite state machine (spec §4.6). It is
// IDLE between calls; PROCESSING is only ever observed by an event sink,
// never across Poll calls, since dispatch is synchronous.
type State int

const (
	StateIdle State = iota
	StateProcessing
)

func (s State) String() string {
	if s == StateProcessing {
		return "PROCESSING"
	}
	return "IDLE"
}

// FramingKind selects which framer/encoder pairing the engine drives.
type FramingKind int

const (
	FramingRTU FramingKind = iota
	FramingTCP
)

// Framer is the minimal surface the server engine needs from either the
// RTU or TCP framer.
type Framer interface {
	Poll(t framing.Transport) (framing.ADU, framing.Status, bool)
	Send(t framing.Transport, frame []byte) framing.Status
}

type tidFramer interface {
	TransactionID() uint16
}

// Encoder wraps a response PDU into a complete frame; TCP encoders use
// tid (echoed from the request), RTU encoders ignore it.
type Encoder func(unitID, function uint8, payload []byte, tid uint16) ([]byte, error)

// Hooks lets the application override the two FCs the register map cannot
// answer on its own. Both are optional; unset hooks fall back to a
// harmless default stub.
type Hooks struct {
	ReadExceptionStatus func() uint8
	ReportServerID      func() (id []byte, runIndicatorOn bool)
}

func (h Hooks) readExceptionStatus() uint8 {
	if h.ReadExceptionStatus != nil {
		return h.ReadExceptionStatus()
	}
	return 0
}

func (h Hooks) reportServerID() ([]byte, bool) {
	if h.ReportServerID != nil {
		return h.ReportServerID()
	}
	return []byte{0x00}, true
}

// Config configures a server Engine (spec §6).
type Config struct {
	UnitID          uint8
	RequestCapacity int
	QueueCapacity   int
}

func (c *Config) applyDefaults() {
	if c.RequestCapacity <= 0 {
		c.RequestCapacity = 8
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.RequestCapacity
	}
}

var writeFunctionCodes = map[uint8]bool{
	pdu.FCWriteSingleCoil:        true,
	pdu.FCWriteSingleRegister:    true,
	pdu.FCWriteMultipleCoils:     true,
	pdu.FCWriteMultipleRegisters: true,
	pdu.FCMaskWriteRegister:      true,
}

var knownFunctionCodes = map[uint8]bool{
	pdu.FCReadCoils: true, pdu.FCReadDiscreteInputs: true,
	pdu.FCReadHoldingRegisters: true, pdu.FCReadInputRegisters: true,
	pdu.FCWriteSingleCoil: true, pdu.FCWriteSingleRegister: true,
	pdu.FCReadExceptionStatus: true, pdu.FCWriteMultipleCoils: true,
	pdu.FCWriteMultipleRegisters: true, pdu.FCReportServerID: true,
	pdu.FCMaskWriteRegister: true, pdu.FCReadWriteMultiple: true,
}

type pendingRequest struct {
	unitID     uint8
	function   uint8
	payload    []byte
	broadcast  bool
	enqueuedAt int64
	tid        uint16
}

// Engine is the server-side protocol engine. Like the client Engine, it is
// single-threaded: Poll and every other method must be called from one
// thread. Its queue is a plain txqueue.Queue with no cross-thread
// submission path.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	framing FramingKind
	framer  Framer
	encode  Encoder
	events  diag.Sink
	hooks   Hooks

	regs *regmap.Map

	pool  *txqueue.Pool[pendingRequest]
	queue *txqueue.Queue

	state State

	fcTimeouts map[uint8]int64

	Diag diag.Diag
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithHooks installs the FC07/FC11 application hooks.
func WithHooks(h Hooks) Option { return func(e *Engine) { e.hooks = h } }

// New builds a server engine bound to regs.
func New(kind FramingKind, framer Framer, encode Encoder, regs *regmap.Map, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:        cfg,
		logger:     zap.NewNop(),
		framing:    kind,
		framer:     framer,
		encode:     encode,
		regs:       regs,
		pool:       txqueue.NewPool[pendingRequest](cfg.RequestCapacity),
		queue:      txqueue.NewQueue(cfg.QueueCapacity),
		fcTimeouts: make(map[uint8]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.emit(diag.Event{Kind: diag.EventEngineInitialised})
	return e
}

// SetEventCallback installs (or replaces) the event sink.
func (e *Engine) SetEventCallback(fn func(diag.Event, any), ctx any) {
	e.events = diag.Sink{Fn: fn, Ctx: ctx}
}

// SetQueueCapacity changes the pending-request queue capacity.
func (e *Engine) SetQueueCapacity(n int) { e.queue.SetCapacity(n) }

// SetFCTimeout installs a per-function-code staleness timeout: a request
// still queued longer than ms after acceptance is dropped with
// ILLEGAL_FUNCTION instead of being dispatched.
func (e *Engine) SetFCTimeout(fc uint8, ms int64) { e.fcTimeouts[fc] = ms }

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

// Pending returns the number of requests waiting to be dispatched.
func (e *Engine) Pending() int { return e.queue.Len() }

// SubmitPoison enqueues the poison pill; pending requests drain to
// CANCELLED/DROPPED on the next Poll.
func (e *Engine) SubmitPoison() { e.queue.PushPoison() }

func (e *Engine) emit(ev diag.Event) { e.events.Emit(ev) }

// Poll drives the engine forward by at most one accepted frame and one
// dispatched request. It never blocks.
func (e *Engine) Poll(t framing.Transport) {
	e.emit(diag.Event{Kind: diag.EventStepBegin})
	defer e.emit(diag.Event{Kind: diag.EventStepEnd})

	now := t.Now()
	adu, status, ready := e.framer.Poll(t)
	if ready {
		e.emit(diag.Event{Kind: diag.EventRxReady})
		if status == framing.StatusOK {
			e.emit(diag.Event{Kind: diag.EventPDUReady, Function: adu.Function})
			e.acceptFrame(t, now, adu)
		} else if status == framing.StatusCRC {
			e.Diag.RecordSlot(diag.SlotCRC)
		}
	}
	e.tryDispatch(t, now)
}

// InjectADU is a synchronous entry point that bypasses the framer
// entirely, for fan-in from higher layers or tests (spec §4.6
// inject_adu).
func (e *Engine) InjectADU(t framing.Transport, adu framing.ADU) {
	e.acceptFrame(t, t.Now(), adu)
	e.tryDispatch(t, t.Now())
}

func (e *Engine) getTID() uint16 {
	if e.framing == FramingTCP {
		if tf, ok := e.framer.(tidFramer); ok {
			return tf.TransactionID()
		}
	}
	return 0
}

func (e *Engine) acceptFrame(t framing.Transport, now int64, adu framing.ADU) {
	if adu.UnitID != e.cfg.UnitID && adu.UnitID != 0 {
		return // not addressed to us
	}
	broadcast := adu.UnitID == 0
	fc := adu.Function
	tid := e.getTID()

	if !knownFunctionCodes[fc] {
		e.Diag.Metrics.Dropped++
		e.Diag.RecordSlot(diag.SlotIllegalFunction)
		e.respondException(t, fc, tid, broadcast, pdu.ExIllegalFunction)
		return
	}

	handle, req, ok := e.pool.Acquire()
	if !ok {
		e.Diag.Metrics.Dropped++
		e.Diag.RecordSlot(diag.SlotServerDeviceFailure)
		e.respondException(t, fc, tid, broadcast, pdu.ExServerDeviceFailure)
		return
	}
	*req = pendingRequest{
		unitID:     adu.UnitID,
		function:   fc,
		payload:    append([]byte(nil), adu.Payload...),
		broadcast:  broadcast,
		enqueuedAt: now,
		tid:        tid,
	}
	if err := e.queue.Push(handle, writeFunctionCodes[fc]); err != nil {
		e.pool.Release(handle)
		e.Diag.Metrics.Dropped++
		e.Diag.RecordSlot(diag.SlotServerDeviceFailure)
		e.respondException(t, fc, tid, broadcast, pdu.ExServerDeviceFailure)
		return
	}
	if broadcast {
		e.Diag.Metrics.Broadcasts++
	}
	e.Diag.Metrics.Submitted++
	e.emit(diag.Event{Kind: diag.EventServerRequestAccept, Function: fc, Broadcast: broadcast})
}

func (e *Engine) tryDispatch(t framing.Transport, now int64) {
	handle, isPoison, ok := e.queue.Pop()
	if !ok {
		return
	}
	if isPoison {
		e.handlePoison()
		return
	}

	e.state = StateProcessing
	e.emit(diag.Event{Kind: diag.EventServerStateEnter, State: StateProcessing.String()})

	req := e.pool.Get(handle)
	if fcTimeout, has := e.fcTimeouts[req.function]; has && fcTimeout > 0 && now-req.enqueuedAt > fcTimeout {
		e.Diag.Metrics.Timeouts++
		e.Diag.Metrics.Dropped++
		e.Diag.RecordSlot(diag.SlotIllegalFunction)
		e.respondException(t, req.function, req.tid, req.broadcast, pdu.ExIllegalFunction)
		e.emit(diag.Event{Kind: diag.EventServerRequestComplete, Function: req.function, Broadcast: req.broadcast, Status: "TIMEOUT"})
	} else {
		e.dispatch(t, req)
	}

	e.pool.Release(handle)
	e.state = StateIdle
	e.emit(diag.Event{Kind: diag.EventServerStateExit, State: StateProcessing.String()})
}

func (e *Engine) handlePoison() {
	e.Diag.Metrics.PoisonTriggers++
	for _, h := range e.queue.Drain() {
		e.Diag.Metrics.Cancelled++
		e.pool.Release(h)
	}
	e.logger.Debug("server poison pill drained queue")
}

// dispatch resolves req against the register map and answers it (unless
// it is a broadcast, in which case only the side effect happens).
func (e *Engine) dispatch(t framing.Transport, req *pendingRequest) {
	resp, code, err := e.execute(req)
	if err != nil {
		e.Diag.RecordSlot(diag.ExceptionSlot(code))
		e.Diag.Metrics.Exceptions++
		e.respondException(t, req.function, req.tid, req.broadcast, code)
		e.emit(diag.Event{Kind: diag.EventServerRequestComplete, Function: req.function, Broadcast: req.broadcast, Status: "EXCEPTION"})
		return
	}
	e.Diag.RecordFCSuccess(req.function)
	if !req.broadcast {
		frame, ferr := e.encode(req.unitID, req.function, resp, req.tid)
		if ferr == nil {
			if e.framer.Send(t, frame) == framing.StatusOK {
				e.emit(diag.Event{Kind: diag.EventTxSent, Function: req.function})
			}
		}
	}
	e.emit(diag.Event{Kind: diag.EventServerRequestComplete, Function: req.function, Broadcast: req.broadcast, Status: "OK"})
}

func (e *Engine) respondException(t framing.Transport, fc uint8, tid uint16, broadcast bool, code uint8) {
	if broadcast {
		return
	}
	body, err := pdu.BuildException(fc&0x7F, code)
	if err != nil {
		return
	}
	frame, err := e.encode(e.cfg.UnitID, fc|pdu.ExceptionBit, body, tid)
	if err != nil {
		return
	}
	e.framer.Send(t, frame)
}

// execute runs the per-FC logic against the register map and hooks. A
// non-nil error carries the exception code that should be sent back.
func (e *Engine) execute(req *pendingRequest) (resp []byte, exCode uint8, err error) {
	switch req.function {
	case pdu.FCReadCoils:
		return e.readBits(&e.regs.Coils, req.payload)
	case pdu.FCReadDiscreteInputs:
		return e.readBits(&e.regs.DiscreteInputs, req.payload)
	case pdu.FCReadHoldingRegisters:
		return e.readRegisters(&e.regs.HoldingRegisters, req.payload)
	case pdu.FCReadInputRegisters:
		return e.readRegisters(&e.regs.InputRegisters, req.payload)
	case pdu.FCWriteSingleCoil:
		return e.writeSingleCoil(req.payload)
	case pdu.FCWriteSingleRegister:
		return e.writeSingleRegister(req.payload)
	case pdu.FCWriteMultipleCoils:
		return e.writeMultipleCoils(req.payload)
	case pdu.FCWriteMultipleRegisters:
		return e.writeMultipleRegisters(req.payload)
	case pdu.FCMaskWriteRegister:
		return e.maskWriteRegister(req.payload)
	case pdu.FCReadWriteMultiple:
		return e.readWriteMultiple(req.payload)
	case pdu.FCReadExceptionStatus:
		if err := pdu.ParseReadExceptionStatusRequest(req.payload); err != nil {
			return nil, pdu.ExIllegalDataValue, err
		}
		resp, _ := pdu.BuildReadExceptionStatusResponse(e.hooks.readExceptionStatus())
		return resp, 0, nil
	case pdu.FCReportServerID:
		if err := pdu.ParseReportServerIDRequest(req.payload); err != nil {
			return nil, pdu.ExIllegalDataValue, err
		}
		id, runOn := e.hooks.reportServerID()
		resp, err := pdu.BuildReportServerIDResponse(id, runOn)
		if err != nil {
			return nil, pdu.ExServerDeviceFailure, err
		}
		return resp, 0, nil
	default:
		return nil, pdu.ExIllegalFunction, pdu.ErrInvalidArgument
	}
}

func mapRegErr(err error) uint8 {
	switch err {
	case regmap.ErrOutOfRange, regmap.ErrReadOnly:
		return pdu.ExIllegalDataAddress
	default:
		return pdu.ExIllegalDataValue
	}
}

func (e *Engine) readBits(space *regmap.Space, payload []byte) ([]byte, uint8, error) {
	addr, qty, err := pdu.ParseReadBitsRequest(payload)
	if err != nil {
		return nil, pdu.ExIllegalDataValue, err
	}
	bits, err := space.ReadBits(addr, qty)
	if err != nil {
		return nil, mapRegErr(err), err
	}
	resp, err := pdu.BuildReadBitsResponse(0, bits)
	if err != nil {
		return nil, pdu.ExServerDeviceFailure, err
	}
	return resp, 0, nil
}

func (e *Engine) readRegisters(space *regmap.Space, payload []byte) ([]byte, uint8, error) {
	addr, qty, err := pdu.ParseReadRegistersRequest(payload)
	if err != nil {
		return nil, pdu.ExIllegalDataValue, err
	}
	values, err := space.ReadWords(addr, qty)
	if err != nil {
		return nil, mapRegErr(err), err
	}
	resp, err := pdu.BuildReadRegistersResponse(values)
	if err != nil {
		return nil, pdu.ExServerDeviceFailure, err
	}
	return resp, 0, nil
}

func (e *Engine) writeSingleCoil(payload []byte) ([]byte, uint8, error) {
	addr, on, err := pdu.ParseWriteSingleCoilRequest(payload)
	if err != nil {
		return nil, pdu.ExIllegalDataValue, err
	}
	if err := e.regs.Coils.WriteBits(addr, []bool{on}); err != nil {
		return nil, mapRegErr(err), err
	}
	resp, err := pdu.BuildWriteSingleCoilResponse(addr, on)
	if err != nil {
		return nil, pdu.ExServerDeviceFailure, err
	}
	return resp, 0, nil
}

func (e *Engine) writeSingleRegister(payload []byte) ([]byte, uint8, error) {
	addr, value, err := pdu.ParseWriteSingleRegisterRequest(payload)
	if err != nil {
		return nil, pdu.ExIllegalDataValue, err
	}
	if err := e.regs.HoldingRegisters.WriteWord(addr, value); err != nil {
		return nil, mapRegErr(err), err
	}
	resp, err := pdu.BuildWriteSingleRegisterResponse(addr, value)
	if err != nil {
		return nil, pdu.ExServerDeviceFailure, err
	}
	return resp, 0, nil
}

func (e *Engine) writeMultipleCoils(payload []byte) ([]byte, uint8, error) {
	addr, bits, err := pdu.ParseWriteMultipleCoilsRequest(payload)
	if err != nil {
		return nil, pdu.ExIllegalDataValue, err
	}
	if err := e.regs.Coils.WriteBits(addr, bits); err != nil {
		return nil, mapRegErr(err), err
	}
	resp, err := pdu.BuildWriteMultipleCoilsResponse(addr, uint16(len(bits)))
	if err != nil {
		return nil, pdu.ExServerDeviceFailure, err
	}
	return resp, 0, nil
}

func (e *Engine) writeMultipleRegisters(payload []byte) ([]byte, uint8, error) {
	addr, values, err := pdu.ParseWriteMultipleRegistersRequest(payload)
	if err != nil {
		return nil, pdu.ExIllegalDataValue, err
	}
	if err := e.regs.HoldingRegisters.WriteWords(addr, values); err != nil {
		return nil, mapRegErr(err), err
	}
	resp, err := pdu.BuildWriteMultipleRegistersResponse(addr, uint16(len(values)))
	if err != nil {
		return nil, pdu.ExServerDeviceFailure, err
	}
	return resp, 0, nil
}

func (e *Engine) maskWriteRegister(payload []byte) ([]byte, uint8, error) {
	addr, andMask, orMask, err := pdu.ParseMaskWriteRegisterRequest(payload)
	if err != nil {
		return nil, pdu.ExIllegalDataValue, err
	}
	current, err := e.regs.HoldingRegisters.ReadWord(addr)
	if err != nil {
		return nil, mapRegErr(err), err
	}
	newValue := pdu.ApplyMask(current, andMask, orMask)
	if err := e.regs.HoldingRegisters.WriteWord(addr, newValue); err != nil {
		return nil, mapRegErr(err), err
	}
	resp, err := pdu.BuildMaskWriteRegisterResponse(addr, andMask, orMask)
	if err != nil {
		return nil, pdu.ExServerDeviceFailure, err
	}
	return resp, 0, nil
}

func (e *Engine) readWriteMultiple(payload []byte) ([]byte, uint8, error) {
	readAddr, readQty, writeAddr, writeValues, err := pdu.ParseReadWriteMultipleRequest(payload)
	if err != nil {
		return nil, pdu.ExIllegalDataValue, err
	}
	if err := e.regs.HoldingRegisters.WriteWords(writeAddr, writeValues); err != nil {
		return nil, mapRegErr(err), err
	}
	values, err := e.regs.HoldingRegisters.ReadWords(readAddr, readQty)
	if err != nil {
		return nil, mapRegErr(err), err
	}
	resp, err := pdu.BuildReadWriteMultipleResponse(values)
	if err != nil {
		return nil, pdu.ExServerDeviceFailure, err
	}
	return resp, 0, nil
}
