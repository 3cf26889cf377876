package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Channel errors.
var (
	// ErrConfiguration indicates an unusable channel configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport indicates a runtime transport failure.
	ErrTransport = errors.New("transport error")

	// ErrLine indicates a serial line or hardware error. Reopening may help.
	ErrLine = fmt.Errorf("%w: line error", ErrTransport)

	// ErrClosed indicates the peer closed the channel.
	ErrClosed = fmt.Errorf("%w: channel closed", ErrTransport)

	// ErrTimeout indicates no response arrived in time.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrTransport)

	// ErrExitStatus indicates a spawned process exited unsuccessfully.
	ErrExitStatus = fmt.Errorf("%w: process failed", ErrTransport)

	// ErrNotOpen indicates an operation on a channel that is not open.
	ErrNotOpen = fmt.Errorf("%w: channel not open", ErrTransport)

	// ErrBusy indicates a request while a previous one is still running.
	ErrBusy = fmt.Errorf("%w: request in progress", ErrTransport)
)

// ChannelState is the lifecycle state of a Channel.
type ChannelState uint8

const (
	// ChannelClosed - not open, or closed.
	ChannelClosed ChannelState = iota

	// ChannelOpen - open and usable.
	ChannelOpen

	// ChannelErrored - a failure left the channel unusable until reopened.
	ChannelErrored
)

// String returns the state name.
func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "CLOSED"
	case ChannelOpen:
		return "OPEN"
	case ChannelErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// Delivery is one unit of inbound data.
type Delivery struct {
	// Data is a chunk of received bytes. May be empty.
	Data []byte

	// Done signals that the current response is complete.
	Done bool

	// Err reports a failure. Data and Done are unset when Err is set.
	Err error
}

// Receiver consumes deliveries. It is called from the channel's own
// goroutine and must not block for long.
type Receiver func(Delivery)

// Channel is a bidirectional byte transport to one instrument.
type Channel interface {
	// Open acquires the underlying resource. Opening an open channel is a no-op.
	Open(ctx context.Context) error

	// Close releases the resource and cancels any pending receive.
	// Closing a closed channel is a no-op.
	Close() error

	// Send writes a request. The response, if any, arrives through the
	// Receiver.
	Send(ctx context.Context, data []byte) error

	// State returns the current channel state.
	State() ChannelState

	// SetReceiver installs the inbound data consumer. Must be called
	// before Open.
	SetReceiver(r Receiver)

	// Path returns the device path the channel was built for.
	Path() string
}

// Bounded is implemented by channels that bound each request themselves
// and deliver ErrTimeout when the bound passes. A session waiting for a
// response must wait at least that long.
type Bounded interface {
	// Timeout returns the longest a single request may take.
	Timeout() time.Duration
}

// Canceler is implemented by channels that can abandon the request in
// flight without closing.
type Canceler interface {
	// Cancel stops the request in flight. Nothing is delivered for it.
	Cancel()
}

// deliver calls r when it is set.
func deliver(r Receiver, d Delivery) {
	if r != nil {
		r(d)
	}
}

// Compile-time interface satisfaction checks.
var (
	_ Channel = (*SerialChannel)(nil)
	_ Channel = (*ProcessChannel)(nil)
	_ Channel = (*ExchangeChannel)(nil)
	_ Channel = (*SimulatedChannel)(nil)

	_ Bounded  = (*ProcessChannel)(nil)
	_ Bounded  = (*ExchangeChannel)(nil)
	_ Canceler = (*ProcessChannel)(nil)
	_ Canceler = (*ExchangeChannel)(nil)
)
