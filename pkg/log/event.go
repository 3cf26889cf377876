package log

import (
	"time"
)

// MaxFrameCapture is the maximum number of frame bytes kept in a capture
// event. Longer frames (EMR documents) are truncated.
const MaxFrameCapture = 4096

// Event is a protocol capture event. CBOR encoding uses integer keys.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the test session (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Direction of data flow relative to the station.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"5,keyasint"`

	// Instrument is the instrument kind (weigh_scale, frax, ...).
	Instrument string `cbor:"6,keyasint,omitempty"`

	// Device is the selected device path (serial port, executable, directory).
	Device string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"8,keyasint,omitempty"`
	Command     *CommandEvent     `cbor:"9,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"10,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"11,keyasint,omitempty"`
}

// Direction indicates the direction of data flow.
type Direction uint8

const (
	// DirectionIn is data received from the instrument.
	DirectionIn Direction = 0
	// DirectionOut is data sent to the instrument.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates where the event was captured.
type Layer uint8

const (
	// LayerTransport is raw bytes on a channel.
	LayerTransport Layer = 0
	// LayerCodec is encoded commands and decoded responses.
	LayerCodec Layer = 1
	// LayerSession is the lifecycle controller.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerCodec:
		return "CODEC"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryFrame is an assembled or sent frame.
	CategoryFrame Category = 0
	// CategoryCommand is a logical command or its decoded response.
	CategoryCommand Category = 1
	// CategoryState is a lifecycle or channel state change.
	CategoryState Category = 2
	// CategoryError is an error at any layer.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryCommand:
		return "COMMAND"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame bytes.
type FrameEvent struct {
	// Seq is the assembler sequence number (0 for outgoing data).
	Seq uint64 `cbor:"1,keyasint,omitempty"`

	// Size is the full frame size in bytes.
	Size int `cbor:"2,keyasint"`

	// Data is the frame bytes (may be truncated).
	Data []byte `cbor:"3,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"4,keyasint,omitempty"`
}

// NewFrameEvent builds a FrameEvent, truncating data to MaxFrameCapture.
func NewFrameEvent(seq uint64, data []byte) *FrameEvent {
	fe := &FrameEvent{Seq: seq, Size: len(data)}
	if len(data) > MaxFrameCapture {
		data = data[:MaxFrameCapture]
		fe.Truncated = true
	}
	fe.Data = append([]byte(nil), data...)
	return fe
}

// CommandEvent captures a logical command and, for responses, the outcome
// of decoding it.
type CommandEvent struct {
	// Command is the logical command name (IDENTIFY, ZERO, MEASURE).
	Command string `cbor:"1,keyasint"`

	// Measurements is the number of decoded measurements (responses only).
	Measurements int `cbor:"2,keyasint,omitempty"`

	// Valid is the number of decoded measurements that passed validation.
	Valid int `cbor:"3,keyasint,omitempty"`

	// Values holds decoded device data (identify responses).
	Values map[string]string `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures lifecycle and channel state changes.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason is the event that caused the change.
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityChannel is a transport channel.
	StateEntityChannel StateEntity = 0
	// StateEntitySession is the session lifecycle.
	StateEntitySession StateEntity = 1
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityChannel:
		return "CHANNEL"
	case StateEntitySession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Kind is the error class (configuration, transport, protocol,
	// validation, state).
	Kind string `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
