package transport

import (
	"context"
	"sync"
	"time"
)

// Responder produces the canned response to a request. A nil response with
// a nil error means the simulated device stays silent.
type Responder func(request []byte) ([]byte, error)

// SimulatedConfig configures a SimulatedChannel.
type SimulatedConfig struct {
	// Path is reported as the device path.
	Path string

	// Respond answers each request.
	Respond Responder

	// ChunkSize splits each response into several deliveries. Zero
	// delivers it in one piece.
	ChunkSize int

	// Complete sends a completion signal after each response.
	Complete bool

	// Latency delays each response.
	Latency time.Duration
}

// SimulatedChannel answers requests with canned responses, asynchronously,
// the way a real device would.
type SimulatedChannel struct {
	cfg SimulatedConfig

	mu    sync.Mutex
	state ChannelState
	recv  Receiver
	done  chan struct{}
	sent  [][]byte
}

// NewSimulatedChannel creates a closed simulated channel.
func NewSimulatedChannel(cfg SimulatedConfig) *SimulatedChannel {
	if cfg.Path == "" {
		cfg.Path = "simulator"
	}
	return &SimulatedChannel{cfg: cfg}
}

// Path returns the simulated device path.
func (c *SimulatedChannel) Path() string {
	return c.cfg.Path
}

// SetReceiver installs the inbound data consumer.
func (c *SimulatedChannel) SetReceiver(r Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv = r
}

// State returns the channel state.
func (c *SimulatedChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open opens the channel.
func (c *SimulatedChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ChannelOpen {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.done = make(chan struct{})
	c.state = ChannelOpen
	return nil
}

// Send records the request and schedules its response.
func (c *SimulatedChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ChannelOpen {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sent = append(c.sent, append([]byte(nil), data...))

	var resp []byte
	var err error
	if c.cfg.Respond != nil {
		resp, err = c.cfg.Respond(data)
	}
	if resp == nil && err == nil {
		return nil
	}
	go c.respond(c.done, c.recv, resp, err)
	return nil
}

func (c *SimulatedChannel) respond(done <-chan struct{}, recv Receiver, resp []byte, err error) {
	if c.cfg.Latency > 0 {
		timer := time.NewTimer(c.cfg.Latency)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
		}
	}

	send := func(d Delivery) bool {
		select {
		case <-done:
			return false
		default:
		}
		deliver(recv, d)
		return true
	}

	if err != nil {
		send(Delivery{Err: err})
		return
	}
	chunk := c.cfg.ChunkSize
	if chunk <= 0 {
		chunk = len(resp)
	}
	for len(resp) > 0 {
		n := min(chunk, len(resp))
		if !send(Delivery{Data: resp[:n]}) {
			return
		}
		resp = resp[n:]
	}
	if c.cfg.Complete {
		send(Delivery{Done: true})
	}
}

// Sent returns copies of every request sent so far.
func (c *SimulatedChannel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	for i, s := range c.sent {
		out[i] = append([]byte(nil), s...)
	}
	return out
}

// Close closes the channel and drops responses not yet delivered.
func (c *SimulatedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ChannelClosed {
		return nil
	}
	close(c.done)
	c.state = ChannelClosed
	return nil
}
