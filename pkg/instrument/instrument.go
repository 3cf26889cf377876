package instrument

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iancoleman/strcase"

	"github.com/CodyCooperGit/cypress/pkg/emr"
	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/transport"
)

// Instrument errors.
var (
	// ErrProtocol indicates a frame that cannot be decoded.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupportedCommand indicates a command the instrument does not
	// implement.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrUnknownKind indicates an instrument kind without a driver.
	ErrUnknownKind = errors.New("unknown instrument kind")
)

// Kind identifies an instrument driver.
type Kind string

// Instrument kinds.
const (
	KindWeighScale Kind = "weigh_scale"
	KindAudiometer Kind = "audiometer"
	KindFrax       Kind = "frax"
	KindSpirometer Kind = "spirometer"
)

// Kinds returns every supported kind.
func Kinds() []Kind {
	return []Kind{KindWeighScale, KindAudiometer, KindFrax, KindSpirometer}
}

// ParseKind parses a kind name in any case style (weigh_scale, WeighScale,
// weigh-scale).
func ParseKind(s string) (Kind, error) {
	k := Kind(strcase.ToSnake(s))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Command is a logical instrument command.
type Command uint8

// Commands.
const (
	CommandIdentify Command = iota + 1
	CommandZero
	CommandMeasure
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandIdentify:
		return "IDENTIFY"
	case CommandZero:
		return "ZERO"
	case CommandMeasure:
		return "MEASURE"
	default:
		return "UNKNOWN"
	}
}

// Response is the decoded answer to a command.
type Response struct {
	// Device holds instrument identity and test-level values. It may be
	// empty.
	Device model.Measurement

	// Measurements are the Test entries decoded from the frame.
	Measurements []model.Measurement
}

// Codec translates logical commands to wire bytes and frames to responses.
type Codec interface {
	// Encode returns the request for cmd.
	Encode(cmd Command) ([]byte, error)

	// Decode decodes the response frame to cmd. Failures wrap ErrProtocol.
	Decode(cmd Command, frame transport.RawFrame) (Response, error)
}

// Device is an instrument endpoint found by a scan: a serial port, an
// executable or a transfer directory.
type Device struct {
	Name string
	Path string
}

// Driver describes one kind of instrument.
type Driver interface {
	// Kind returns the instrument kind.
	Kind() Kind

	// Codec returns the wire codec.
	Codec() Codec

	// Split returns the framing rule for inbound data.
	Split() bufio.SplitFunc

	// NewTest returns an empty Test laid out for this instrument.
	NewTest() *model.Test

	// ConnectCommand returns the command sent right after the channel is
	// opened, if any.
	ConnectCommand() (Command, bool)

	// Scan lists candidate devices.
	Scan(ctx context.Context) ([]Device, error)

	// Channel returns a closed channel to dev.
	Channel(dev Device) (transport.Channel, error)

	// Simulator returns the simulated device and a closed channel that
	// answers like the instrument.
	Simulator() (Device, transport.Channel)

	// SettingsKey names the cached setting holding the last device path.
	SettingsKey() string

	// RequiredInputs lists input keys the instrument cannot work without.
	RequiredInputs() []string
}

// Settings keys.
const (
	SettingPort        = "port"
	SettingExecutable  = "executable"
	SettingTransferDir = "transfer_dir"
)

// Options configure a driver.
type Options struct {
	// Port is the preferred serial port.
	Port string

	// BaudRate overrides the instrument's line speed.
	BaudRate int

	// Executable is the blackbox program path.
	Executable string

	// TransferDir is the EMR document exchange directory.
	TransferDir string

	// Companion is the program run after an EMR request is written.
	Companion string

	// Timeout bounds a process run or a document exchange.
	Timeout time.Duration

	// PollInterval is the document exchange polling period.
	PollInterval time.Duration

	// Skip selects how EMR documents skip unknown elements.
	Skip emr.SkipPolicy

	// Inputs are the participant inputs.
	Inputs model.Inputs

	// Clock stamps decoded measurements. Defaults to time.Now.
	Clock func() time.Time
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

// New returns the driver for kind.
func New(kind Kind, opts Options) (Driver, error) {
	switch kind {
	case KindWeighScale:
		return newWeighScale(opts), nil
	case KindAudiometer:
		return newAudiometer(opts), nil
	case KindFrax:
		return newFrax(opts), nil
	case KindSpirometer:
		return newSpirometer(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// protocolError wraps a decode failure.
func protocolError(kind Kind, cmd Command, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s: %s", ErrProtocol, kind, cmd, fmt.Sprintf(format, args...))
}

func unsupported(kind Kind, cmd Command) error {
	return fmt.Errorf("%w: %s does not support %s", ErrUnsupportedCommand, kind, cmd)
}

// deviceSchema accepts any identity values.
var deviceSchema = &model.Schema{Name: "device"}

// scanSerialPorts enumerates the system's serial ports.
var scanSerialPorts = transport.ScanSerialPorts

// scanSerial lists the preferred port first, followed by the ports found on
// the system. An enumeration failure is ignored when a port is preferred.
func scanSerial(ctx context.Context, preferred string) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports, err := scanSerialPorts()
	if err != nil && preferred == "" {
		return nil, err
	}
	var devices []Device
	if preferred != "" {
		dev := Device{Name: filepath.Base(preferred), Path: preferred}
		for _, p := range ports {
			if p.Path == preferred {
				dev.Name = p.Label()
			}
		}
		devices = append(devices, dev)
	}
	for _, p := range ports {
		if p.Path == preferred {
			continue
		}
		devices = append(devices, Device{Name: p.Label(), Path: p.Path})
	}
	return devices, nil
}

// scanPath lists path when it exists.
func scanPath(ctx context.Context, path string) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	return []Device{{Name: filepath.Base(path), Path: path}}, nil
}
