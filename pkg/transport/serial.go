package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
)

// Serial line defaults.
const (
	DefaultSerialBaud        = 9600
	DefaultSerialReadTimeout = 100 * time.Millisecond
	serialReadBufferSize     = 256
)

// SerialConfig configures a SerialChannel. Line settings are applied when
// the port is opened.
type SerialConfig struct {
	// Port is the device path (/dev/ttyUSB0, COM3).
	Port string

	// Baud is the line speed (default 9600).
	Baud int

	// Size is the number of data bits (default 8).
	Size byte

	// Parity is the parity mode (default none).
	Parity serial.Parity

	// StopBits is the number of stop bits (default 1).
	StopBits serial.StopBits

	// ReadTimeout bounds each OS read so Close is noticed promptly.
	// Zero makes reads block; an end-of-file then means the line is gone.
	ReadTimeout time.Duration
}

func (c *SerialConfig) applyDefaults() {
	if c.Baud == 0 {
		c.Baud = DefaultSerialBaud
	}
	if c.Size == 0 {
		c.Size = serial.DefaultSize
	}
	if c.Parity == 0 {
		c.Parity = serial.ParityNone
	}
	if c.StopBits == 0 {
		c.StopBits = serial.Stop1
	}
}

// PortOpener opens a serial port. Replaced in tests.
type PortOpener func(cfg *serial.Config) (io.ReadWriteCloser, error)

func openTarmPort(cfg *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(cfg)
}

// SerialChannel is a Channel over an RS-232 line.
type SerialChannel struct {
	cfg    SerialConfig
	opener PortOpener

	mu    sync.Mutex
	port  io.ReadWriteCloser
	state ChannelState
	recv  Receiver
	done  chan struct{}
}

// NewSerialChannel creates a closed serial channel.
func NewSerialChannel(cfg SerialConfig) *SerialChannel {
	cfg.applyDefaults()
	return &SerialChannel{cfg: cfg, opener: openTarmPort}
}

// NewSerialChannelWithOpener creates a serial channel that opens ports
// through opener.
func NewSerialChannelWithOpener(cfg SerialConfig, opener PortOpener) *SerialChannel {
	c := NewSerialChannel(cfg)
	c.opener = opener
	return c
}

// Config returns the line configuration.
func (c *SerialChannel) Config() SerialConfig {
	return c.cfg
}

// Path returns the port path.
func (c *SerialChannel) Path() string {
	return c.cfg.Port
}

// SetReceiver installs the inbound data consumer.
func (c *SerialChannel) SetReceiver(r Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv = r
}

// State returns the channel state.
func (c *SerialChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open opens the port with the configured line settings.
func (c *SerialChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ChannelOpen {
		return nil
	}
	if c.cfg.Port == "" {
		return fmt.Errorf("%w: no serial port selected", ErrConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := c.opener(&serial.Config{
		Name:        c.cfg.Port,
		Baud:        c.cfg.Baud,
		ReadTimeout: c.cfg.ReadTimeout,
		Size:        c.cfg.Size,
		Parity:      c.cfg.Parity,
		StopBits:    c.cfg.StopBits,
	})
	if err != nil {
		c.state = ChannelErrored
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: serial port %s: %v", ErrConfiguration, c.cfg.Port, err)
		}
		return fmt.Errorf("%w: open %s: %v", ErrTransport, c.cfg.Port, err)
	}

	c.port = port
	c.state = ChannelOpen
	c.done = make(chan struct{})
	go c.readLoop(port, c.done, c.recv)
	return nil
}

func (c *SerialChannel) readLoop(port io.Reader, done <-chan struct{}, recv Receiver) {
	buf := make([]byte, serialReadBufferSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			select {
			case <-done:
				return
			default:
			}
			deliver(recv, Delivery{Data: bytes.Clone(buf[:n])})
		}
		if err == nil {
			continue
		}

		select {
		case <-done:
			return
		default:
		}

		if errors.Is(err, io.EOF) {
			if c.cfg.ReadTimeout > 0 {
				// A timed-out read surfaces as a zero-byte EOF.
				continue
			}
			c.markErrored()
			deliver(recv, Delivery{Err: fmt.Errorf("%w: %s", ErrClosed, c.cfg.Port)})
			return
		}
		c.markErrored()
		deliver(recv, Delivery{Err: fmt.Errorf("%w: %s: %v", ErrLine, c.cfg.Port, err)})
		return
	}
}

func (c *SerialChannel) markErrored() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChannelOpen {
		c.state = ChannelErrored
	}
}

// Send writes data to the line.
func (c *SerialChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ChannelOpen {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.port.Write(data); err != nil {
		c.state = ChannelErrored
		return fmt.Errorf("%w: write %s: %v", ErrLine, c.cfg.Port, err)
	}
	return nil
}

// Close closes the port. A pending read is abandoned.
func (c *SerialChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		c.state = ChannelClosed
		return nil
	}
	close(c.done)
	err := c.port.Close()
	c.port = nil
	c.state = ChannelClosed
	return err
}

// SerialPortInfo describes a serial port found by ScanSerialPorts.
type SerialPortInfo struct {
	// Path is the port name (/dev/ttyUSB0, COM3).
	Path string

	// USB is set for USB-serial adapters; VID, PID, SerialNumber and
	// Product are only known for those.
	USB          bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Label returns a human-readable port description: the USB product name,
// else the USB vendor and product IDs, else the port's base name.
func (p SerialPortInfo) Label() string {
	switch {
	case p.Product != "":
		return p.Product
	case p.USB && p.VID != "":
		return fmt.Sprintf("USB %s:%s", p.VID, p.PID)
	default:
		return filepath.Base(p.Path)
	}
}

// listSerialPorts enumerates the system's serial ports.
var listSerialPorts = enumerator.GetDetailedPortsList

// ScanSerialPorts returns the system's serial ports sorted by path.
func ScanSerialPorts() ([]SerialPortInfo, error) {
	details, err := listSerialPorts()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate serial ports: %v", ErrTransport, err)
	}
	ports := make([]SerialPortInfo, 0, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		ports = append(ports, SerialPortInfo{
			Path:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Path < ports[j].Path })
	return ports, nil
}
