package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
)

type fakePort struct {
	r *io.PipeReader

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func openFake(t *testing.T, cfg SerialConfig) (*SerialChannel, *fakePort, *io.PipeWriter, *collector, *serial.Config) {
	t.Helper()
	r, w := io.Pipe()
	port := &fakePort{r: r}
	var got serial.Config
	ch := NewSerialChannelWithOpener(cfg, func(c *serial.Config) (io.ReadWriteCloser, error) {
		got = *c
		return port, nil
	})
	col := newCollector()
	ch.SetReceiver(col.receive)
	require.NoError(t, ch.Open(context.Background()))
	t.Cleanup(func() { ch.Close() })
	return ch, port, w, col, &got
}

func TestSerialChannelAppliesLineSettings(t *testing.T) {
	_, _, _, _, got := openFake(t, SerialConfig{Port: "/dev/ttyUSB0", Baud: 4800})

	assert.Equal(t, "/dev/ttyUSB0", got.Name)
	assert.Equal(t, 4800, got.Baud)
	assert.Equal(t, byte(8), got.Size)
	assert.Equal(t, serial.ParityNone, got.Parity)
	assert.Equal(t, serial.Stop1, got.StopBits)
}

func TestSerialChannelSendAndReceive(t *testing.T) {
	ch, port, w, col, _ := openFake(t, SerialConfig{Port: "/dev/ttyUSB0"})
	assert.Equal(t, ChannelOpen, ch.State())

	require.NoError(t, ch.Send(context.Background(), []byte("p")))
	assert.Equal(t, "p", port.Written())

	go w.Write([]byte("36.1 C body\r\n"))
	d := col.next(t, time.Second)
	require.NoError(t, d.Err)
	assert.Equal(t, "36.1 C body\r\n", string(d.Data))
}

func TestSerialChannelPeerCloseWithoutReadTimeout(t *testing.T) {
	ch, _, w, col, _ := openFake(t, SerialConfig{Port: "/dev/ttyUSB0"})

	require.NoError(t, w.Close())
	d := col.next(t, time.Second)
	assert.ErrorIs(t, d.Err, ErrClosed)
	assert.ErrorIs(t, d.Err, ErrTransport)
	assert.Equal(t, ChannelErrored, ch.State())
}

func TestSerialChannelLineError(t *testing.T) {
	ch, _, w, col, _ := openFake(t, SerialConfig{Port: "/dev/ttyUSB0"})

	require.NoError(t, w.CloseWithError(errors.New("input/output error")))
	d := col.next(t, time.Second)
	assert.ErrorIs(t, d.Err, ErrLine)
	assert.Contains(t, d.Err.Error(), "input/output error")

	err := ch.Send(context.Background(), []byte("p"))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestSerialChannelCloseIsSilent(t *testing.T) {
	ch, port, _, col, _ := openFake(t, SerialConfig{Port: "/dev/ttyUSB0"})

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, ChannelClosed, ch.State())
	port.mu.Lock()
	assert.True(t, port.closed)
	port.mu.Unlock()
	col.quiet(t, 50*time.Millisecond)

	assert.ErrorIs(t, ch.Send(context.Background(), []byte("p")), ErrNotOpen)
}

func TestSerialChannelOpenErrors(t *testing.T) {
	ch := NewSerialChannel(SerialConfig{})
	assert.ErrorIs(t, ch.Open(context.Background()), ErrConfiguration)

	missing := NewSerialChannelWithOpener(SerialConfig{Port: "/dev/ttyNOPE"}, func(*serial.Config) (io.ReadWriteCloser, error) {
		return nil, &fs.PathError{Op: "open", Path: "/dev/ttyNOPE", Err: fs.ErrNotExist}
	})
	assert.ErrorIs(t, missing.Open(context.Background()), ErrConfiguration)

	busy := NewSerialChannelWithOpener(SerialConfig{Port: "/dev/ttyS0"}, func(*serial.Config) (io.ReadWriteCloser, error) {
		return nil, fmt.Errorf("device or resource busy")
	})
	err := busy.Open(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, ChannelErrored, busy.State())
}

func TestSerialChannelDefaults(t *testing.T) {
	ch := NewSerialChannel(SerialConfig{Port: "COM3"})
	cfg := ch.Config()
	assert.Equal(t, DefaultSerialBaud, cfg.Baud)
	assert.Equal(t, "COM3", ch.Path())
}

func TestScanSerialPorts(t *testing.T) {
	orig := listSerialPorts
	t.Cleanup(func() { listSerialPorts = orig })

	listSerialPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "COM4", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A9X1", Product: "FT232R USB UART"},
			nil,
			{Name: "COM1"},
			{Name: ""},
		}, nil
	}
	ports, err := ScanSerialPorts()
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "COM1", ports[0].Path)
	assert.Equal(t, "COM1", ports[0].Label())
	assert.Equal(t, SerialPortInfo{
		Path: "COM4", USB: true, VID: "0403", PID: "6001", SerialNumber: "A9X1", Product: "FT232R USB UART",
	}, ports[1])
	assert.Equal(t, "FT232R USB UART", ports[1].Label())

	listSerialPorts = func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("no sysfs")
	}
	_, err = ScanSerialPorts()
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSerialPortLabel(t *testing.T) {
	tests := []struct {
		port SerialPortInfo
		want string
	}{
		{SerialPortInfo{Path: "/dev/ttyUSB0", USB: true, VID: "067b", PID: "2303"}, "USB 067b:2303"},
		{SerialPortInfo{Path: "/dev/ttyACM0", USB: true, Product: "Audiometer"}, "Audiometer"},
		{SerialPortInfo{Path: "/dev/ttyS0"}, "ttyS0"},
	}
	for _, tt := range tests {
		if got := tt.port.Label(); got != tt.want {
			t.Errorf("Label(%s) = %q, want %q", tt.port.Path, got, tt.want)
		}
	}
}
