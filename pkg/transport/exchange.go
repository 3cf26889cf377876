package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// File exchange defaults.
const (
	DefaultExchangePollInterval = 500 * time.Millisecond
	DefaultExchangeTimeout      = 15 * time.Minute
	DefaultExchangeChunkSize    = 4096
)

// ExchangeConfig configures an ExchangeChannel.
type ExchangeConfig struct {
	// RequestPath is where each request document is written. Its directory
	// must exist.
	RequestPath string

	// ResponsePath is where the response document is expected.
	ResponsePath string

	// Companion is an optional program run after the request is written.
	// When set, the response is read as soon as it exits; otherwise the
	// response path is polled.
	Companion string

	// Args are passed to the companion program.
	Args []string

	// PollInterval is the polling period (default 500ms).
	PollInterval time.Duration

	// Timeout bounds a single exchange (default 15m; a spirometry test is
	// performed by the operator in between).
	Timeout time.Duration

	// ChunkSize splits the delivered response (default 4096).
	ChunkSize int
}

// ExchangeChannel is a Channel over a pair of documents in a shared
// directory: one request file written by the station, one response file
// written by the instrument software.
type ExchangeChannel struct {
	cfg ExchangeConfig

	mu      sync.Mutex
	state   ChannelState
	recv    Receiver
	running bool
	stop    context.CancelFunc
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewExchangeChannel creates a closed exchange channel.
func NewExchangeChannel(cfg ExchangeConfig) *ExchangeChannel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultExchangePollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExchangeTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultExchangeChunkSize
	}
	return &ExchangeChannel{cfg: cfg}
}

// Config returns the configuration with defaults applied.
func (c *ExchangeChannel) Config() ExchangeConfig {
	return c.cfg
}

// Path returns the directory holding the request document.
func (c *ExchangeChannel) Path() string {
	return filepath.Dir(c.cfg.RequestPath)
}

// SetReceiver installs the inbound data consumer.
func (c *ExchangeChannel) SetReceiver(r Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv = r
}

// State returns the channel state.
func (c *ExchangeChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open checks the exchange directory and the companion program.
func (c *ExchangeChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ChannelOpen {
		return nil
	}
	if c.cfg.RequestPath == "" || c.cfg.ResponsePath == "" {
		return fmt.Errorf("%w: request and response paths are required", ErrConfiguration)
	}
	for _, dir := range []string{filepath.Dir(c.cfg.RequestPath), filepath.Dir(c.cfg.ResponsePath)} {
		fi, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("%w: exchange directory: %v", ErrConfiguration, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrConfiguration, dir)
		}
	}
	if c.cfg.Companion != "" {
		if err := checkExecutable(c.cfg.Companion); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state = ChannelOpen
	return nil
}

// Send writes the request document and waits in the background for the
// response document.
func (c *ExchangeChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ChannelOpen {
		return ErrNotOpen
	}
	if c.running {
		return ErrBusy
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(c.cfg.ResponsePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove stale response: %v", ErrConfiguration, err)
	}
	if err := os.WriteFile(c.cfg.RequestPath, data, 0644); err != nil {
		return fmt.Errorf("%w: write request: %v", ErrConfiguration, err)
	}

	waitCtx, stop := context.WithCancel(c.ctx)
	c.running = true
	c.stop = stop
	go c.await(waitCtx, stop, c.recv)
	return nil
}

// Timeout returns the bound on a single exchange.
func (c *ExchangeChannel) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Cancel abandons the exchange in flight, killing the companion when one
// runs. Nothing is delivered for it and the channel stays open.
func (c *ExchangeChannel) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop()
	}
}

func (c *ExchangeChannel) await(parent context.Context, stop context.CancelFunc, recv Receiver) {
	defer stop()
	ctx, cancel := context.WithTimeout(parent, c.cfg.Timeout)
	defer cancel()

	var err error
	if c.cfg.Companion != "" {
		err = c.runCompanion(ctx)
	} else {
		err = c.poll(ctx)
	}

	c.mu.Lock()
	c.running = false
	c.stop = nil
	c.mu.Unlock()

	if parent.Err() != nil {
		return
	}
	if err != nil {
		deliver(recv, Delivery{Err: err})
		return
	}

	data, err := os.ReadFile(c.cfg.ResponsePath)
	if err != nil {
		deliver(recv, Delivery{Err: fmt.Errorf("%w: read response: %v", ErrConfiguration, err)})
		return
	}
	for len(data) > 0 {
		n := min(c.cfg.ChunkSize, len(data))
		deliver(recv, Delivery{Data: data[:n]})
		data = data[n:]
	}
	deliver(recv, Delivery{Done: true})
}

func (c *ExchangeChannel) runCompanion(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.cfg.Companion, c.cfg.Args...)
	cmd.Dir = filepath.Dir(c.cfg.Companion)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = processWaitDelay
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s did not finish within %s", ErrTimeout, filepath.Base(c.cfg.Companion), c.cfg.Timeout)
	}
	if err != nil {
		return processError(c.cfg.Companion, err, stderr.String())
	}
	return nil
}

// poll waits until the response file exists with a non-zero size that is
// unchanged across two polls.
func (c *ExchangeChannel) poll(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	lastSize := int64(-1)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: no response document within %s", ErrTimeout, c.cfg.Timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}

		fi, err := os.Stat(c.cfg.ResponsePath)
		if err != nil {
			lastSize = -1
			continue
		}
		if fi.Size() > 0 && fi.Size() == lastSize {
			return nil
		}
		lastSize = fi.Size()
	}
}

// Close stops waiting for a response.
func (c *ExchangeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ChannelClosed {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.state = ChannelClosed
	return nil
}
