package diag

// EventKind tags the sum type of spec §3's event vocabulary.
type EventKind int

const (
	EventClientStateEnter EventKind = iota
	EventClientStateExit
	EventClientTxSubmit
	EventClientTxComplete
	EventServerStateEnter
	EventServerStateExit
	EventServerRequestAccept
	EventServerRequestComplete
	EventEngineInitialised
	EventStepBegin
	EventStepEnd
	EventRxReady
	EventPDUReady
	EventTxSent
	EventTimeout
	EventStateChange
)

func (k EventKind) String() string {
	switch k {
	case EventClientStateEnter:
		return "CLIENT_STATE_ENTER"
	case EventClientStateExit:
		return "CLIENT_STATE_EXIT"
	case EventClientTxSubmit:
		return "CLIENT_TX_SUBMIT"
	case EventClientTxComplete:
		return "CLIENT_TX_COMPLETE"
	case EventServerStateEnter:
		return "SERVER_STATE_ENTER"
	case EventServerStateExit:
		return "SERVER_STATE_EXIT"
	case EventServerRequestAccept:
		return "SERVER_REQUEST_ACCEPT"
	case EventServerRequestComplete:
		return "SERVER_REQUEST_COMPLETE"
	case EventEngineInitialised:
		return "ENGINE_INITIALISED"
	case EventStepBegin:
		return "STEP_BEGIN"
	case EventStepEnd:
		return "STEP_END"
	case EventRxReady:
		return "RX_READY"
	case EventPDUReady:
		return "PDU_READY"
	case EventTxSent:
		return "TX_SENT"
	case EventTimeout:
		return "TIMEOUT"
	case EventStateChange:
		return "STATE_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// Event carries whatever fields the spec associates with its Kind; unused
// fields are left zero. It is a plain value — the core must never retain a
// reference to it beyond the callback that receives it.
type Event struct {
	Kind           EventKind
	State          string
	Function       uint8
	ExpectResponse bool
	Status         string
	Broadcast      bool
}

// Callback is the event sink contract (spec §6): synchronous, non-reentrant
// into the engine that invoked it.
type Callback func(ev Event, ctx any)

// Sink bundles a callback with its user context; a nil Fn is a valid,
// silent sink.
type Sink struct {
	Fn  Callback
	Ctx any
}

// Emit invokes the sink's callback if set.
func (s Sink) Emit(ev Event) {
	if s.Fn != nil {
		s.Fn(ev, s.Ctx)
	}
}
