package session

// State is the session lifecycle state.
type State uint8

const (
	// StateIdle - no session.
	StateIdle State = iota

	// StateScanning - looking for devices.
	StateScanning

	// StateAwaitingSelection - devices listed, waiting for the operator.
	StateAwaitingSelection

	// StateConnecting - opening the channel and identifying the device.
	StateConnecting

	// StateReady - connected, no measurement yet.
	StateReady

	// StateMeasuring - at least one measure command issued.
	StateMeasuring

	// StateAwaitingWrite - the test is complete.
	StateAwaitingWrite

	// StateFinished - the result was written.
	StateFinished

	// StateFailed - an unrecoverable transport error occurred.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateAwaitingSelection:
		return "AWAITING_SELECTION"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateMeasuring:
		return "MEASURING"
	case StateAwaitingWrite:
		return "AWAITING_WRITE"
	case StateFinished:
		return "FINISHED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event is a lifecycle event.
type Event uint8

const (
	EventStart Event = iota + 1
	EventDeviceFound
	EventScanCompleted
	EventDeviceSelected
	EventConnected
	EventConnectFailed
	EventMeasureRequested
	EventMeasurementReceived
	EventTestCompleted
	EventWriteRequested
	EventDisconnected
	EventClearData
	EventFinish
	EventTransportError
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventDeviceFound:
		return "deviceFound"
	case EventScanCompleted:
		return "scanCompleted"
	case EventDeviceSelected:
		return "deviceSelected"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connectFailed"
	case EventMeasureRequested:
		return "measureRequested"
	case EventMeasurementReceived:
		return "measurementReceived"
	case EventTestCompleted:
		return "testCompleted"
	case EventWriteRequested:
		return "writeRequested"
	case EventDisconnected:
		return "disconnected"
	case EventClearData:
		return "clearData"
	case EventFinish:
		return "finish"
	case EventTransportError:
		return "transportError"
	default:
		return "unknown"
	}
}

// States returns every state in lifecycle order.
func States() []State {
	return []State{
		StateIdle, StateScanning, StateAwaitingSelection, StateConnecting, StateReady,
		StateMeasuring, StateAwaitingWrite, StateFinished, StateFailed,
	}
}

// Events returns every event.
func Events() []Event {
	return []Event{
		EventStart, EventDeviceFound, EventScanCompleted, EventDeviceSelected,
		EventConnected, EventConnectFailed, EventMeasureRequested, EventMeasurementReceived,
		EventTestCompleted, EventWriteRequested, EventDisconnected, EventClearData,
		EventFinish, EventTransportError,
	}
}

// transitions is the complete lifecycle table. A pair that is not listed
// is rejected.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventStart:  StateScanning,
		EventFinish: StateIdle,
	},
	StateScanning: {
		EventDeviceFound:    StateAwaitingSelection,
		EventScanCompleted:  StateAwaitingSelection,
		EventTransportError: StateFailed,
		EventFinish:         StateIdle,
	},
	StateAwaitingSelection: {
		EventDeviceFound:    StateAwaitingSelection,
		EventScanCompleted:  StateAwaitingSelection,
		EventDeviceSelected: StateConnecting,
		EventTransportError: StateFailed,
		EventFinish:         StateIdle,
	},
	StateConnecting: {
		EventConnected:      StateReady,
		EventConnectFailed:  StateAwaitingSelection,
		EventTransportError: StateFailed,
		EventFinish:         StateIdle,
	},
	StateReady: {
		EventMeasureRequested: StateMeasuring,
		EventDisconnected:     StateAwaitingSelection,
		EventClearData:        StateReady,
		EventTransportError:   StateFailed,
		EventFinish:           StateIdle,
	},
	StateMeasuring: {
		EventMeasureRequested:    StateMeasuring,
		EventMeasurementReceived: StateMeasuring,
		EventTestCompleted:       StateAwaitingWrite,
		EventDisconnected:        StateAwaitingSelection,
		EventClearData:           StateReady,
		EventTransportError:      StateFailed,
		EventFinish:              StateIdle,
	},
	StateAwaitingWrite: {
		EventWriteRequested: StateFinished,
		EventClearData:      StateReady,
		EventTransportError: StateFailed,
		EventFinish:         StateIdle,
	},
	StateFinished: {
		EventFinish: StateIdle,
	},
	StateFailed: {
		EventFinish: StateIdle,
	},
}

// Next returns the state reached from s on e, and whether e is allowed.
func Next(s State, e Event) (State, bool) {
	next, ok := transitions[s][e]
	return next, ok
}

// machine holds the current lifecycle state. It is owned by the event loop.
type machine struct {
	state State
}

// can reports whether e is allowed in the current state.
func (m *machine) can(e Event) bool {
	_, ok := Next(m.state, e)
	return ok
}

// fire applies e. A rejected event leaves the state unchanged.
func (m *machine) fire(e Event) (old, next State, err error) {
	old = m.state
	next, ok := Next(old, e)
	if !ok {
		return old, old, &StateError{Op: e.String(), State: old}
	}
	m.state = next
	return old, next, nil
}
