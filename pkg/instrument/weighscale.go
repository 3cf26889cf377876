package instrument

import (
	"bufio"
	"bytes"
	"context"
	"math"
	"strconv"

	"github.com/tarm/serial"

	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/transport"
)

const weighScaleBaud = 4800

var (
	weighScaleTerminator = []byte("\r\n")

	weighScaleCommands = map[Command][]byte{
		CommandIdentify: []byte("i"),
		CommandZero:     []byte("z"),
		CommandMeasure:  []byte("p"),
	}
)

// Weigh scale measurement keys.
const (
	KeyWeight     = "weight"
	KeyUnits      = "units"
	KeyMode       = "mode"
	KeyTimestamp  = "timestamp"
	KeySoftwareID = "software_id"
)

// WeightSchema is the validity rule of a weigh scale reading.
var WeightSchema = &model.Schema{
	Name:     "weight",
	Required: []string{KeyWeight, KeyUnits, KeyMode, KeyTimestamp},
	Rules: []model.Rule{
		model.Range(KeyWeight, 0, math.MaxFloat64),
		model.NonEmpty(KeyUnits),
		model.NonEmpty(KeyMode),
		model.NonZeroTime(KeyTimestamp),
	},
}

type weighScale struct {
	opts Options
}

func newWeighScale(opts Options) *weighScale {
	return &weighScale{opts: opts}
}

func (d *weighScale) Kind() Kind                      { return KindWeighScale }
func (d *weighScale) Codec() Codec                    { return d }
func (d *weighScale) Split() bufio.SplitFunc          { return transport.SplitTerminator(weighScaleTerminator) }
func (d *weighScale) ConnectCommand() (Command, bool) { return CommandIdentify, true }
func (d *weighScale) SettingsKey() string             { return SettingPort }
func (d *weighScale) RequiredInputs() []string        { return []string{model.InputBarcode} }

func (d *weighScale) NewTest() *model.Test {
	return model.NewTest(model.Layout{
		Name:     string(KindWeighScale),
		Capacity: 1,
		Required: []string{KeyWeight},
		MinSlots: 1,
		Slot:     func(model.Measurement) string { return KeyWeight },
	})
}

func (d *weighScale) Scan(ctx context.Context) ([]Device, error) {
	return scanSerial(ctx, d.opts.Port)
}

func (d *weighScale) Channel(dev Device) (transport.Channel, error) {
	baud := d.opts.BaudRate
	if baud == 0 {
		baud = weighScaleBaud
	}
	return transport.NewSerialChannel(transport.SerialConfig{
		Port:        dev.Path,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: transport.DefaultSerialReadTimeout,
	}), nil
}

func (d *weighScale) Simulator() (Device, transport.Channel) {
	dev := Device{Name: "simulated weigh scale", Path: "simulator"}
	return dev, transport.NewSimulatedChannel(transport.SimulatedConfig{
		Path:    dev.Path,
		Respond: simulateWeighScale,
	})
}

func simulateWeighScale(req []byte) ([]byte, error) {
	switch string(req) {
	case "i":
		return []byte("12345\r\n"), nil
	case "z":
		return []byte("0.0 C body\r\n"), nil
	case "p":
		return []byte("36.1 C body\r\n"), nil
	default:
		return nil, nil
	}
}

func (d *weighScale) Encode(cmd Command) ([]byte, error) {
	req, ok := weighScaleCommands[cmd]
	if !ok {
		return nil, unsupported(KindWeighScale, cmd)
	}
	return bytes.Clone(req), nil
}

// Decode reads "<software id>" for identify and "<weight> <units> <mode>"
// for zero and measure. Whitespace runs are collapsed; fields beyond the
// third are ignored.
func (d *weighScale) Decode(cmd Command, frame transport.RawFrame) (Response, error) {
	fields := bytes.Fields(frame.Data)
	switch cmd {
	case CommandIdentify:
		if len(fields) == 0 {
			return Response{}, protocolError(KindWeighScale, cmd, "empty identification")
		}
		id := string(bytes.Join(fields, []byte(" ")))
		return Response{Device: model.NewMeasurement(deviceSchema, map[string]any{KeySoftwareID: id})}, nil

	case CommandZero, CommandMeasure:
		if len(fields) < 3 {
			return Response{}, protocolError(KindWeighScale, cmd, "%d fields in %q, want 3", len(fields), frame.Data)
		}
		w, err := strconv.ParseFloat(string(fields[0]), 64)
		if err != nil {
			return Response{}, protocolError(KindWeighScale, cmd, "weight %q", fields[0])
		}
		m := model.NewMeasurement(WeightSchema, map[string]any{
			KeyWeight:    strconv.FormatFloat(w, 'f', 1, 64),
			KeyUnits:     string(fields[1]),
			KeyMode:      string(fields[2]),
			KeyTimestamp: d.opts.now(),
		})
		return Response{Measurements: []model.Measurement{m}}, nil

	default:
		return Response{}, unsupported(KindWeighScale, cmd)
	}
}

var _ Driver = (*weighScale)(nil)
