package instrument

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tarm/serial"

	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/transport"
)

const audiometerBaud = 9600

var (
	audiometerTerminator = []byte{0x17, 0x0d}

	audiometerCommands = map[Command][]byte{
		CommandIdentify: []byte("I"),
		CommandMeasure:  []byte("R"),
	}
)

// Audiometer measurement keys.
const (
	KeySide         = "side"
	KeyFrequency    = "frequency"
	KeyCode         = "code"
	KeyOutcome      = "outcome"
	KeyLevel        = "level"
	KeyModel        = "model"
	KeySerialNumber = "serial_number"
)

// Hearing test outcomes.
const (
	OutcomePass         = "pass"
	OutcomeNotTested    = "not_tested"
	OutcomeNoResponse   = "no_response"
	OutcomePatientError = "patient_error"
	OutcomeMaskingError = "masking_error"
)

// Sides in frame order.
var audiometerSides = []string{"left", "right"}

// AudiometerFrequencies lists the test frequencies in frame order. The
// first entry is the 1 kHz reliability retest.
var AudiometerFrequencies = [...]string{"1000_test", "500", "1000", "2000", "3000", "4000", "6000", "8000"}

// audiometerCodes maps the non-numeric threshold codes to outcomes.
var audiometerCodes = map[string]string{
	"AA": OutcomeNotTested,
	"NR": OutcomeNoResponse,
	"ER": OutcomePatientError,
	"XX": OutcomeMaskingError,
}

// HearingSchema is the validity rule of one hearing threshold.
var HearingSchema = &model.Schema{
	Name:     "hearing",
	Required: []string{KeySide, KeyFrequency, KeyCode, KeyOutcome},
	Rules: []model.Rule{
		model.OneOf(KeySide, audiometerSides...),
		model.OneOf(KeyFrequency, AudiometerFrequencies[:]...),
		model.OneOf(KeyOutcome, OutcomePass, OutcomeNotTested, OutcomeNoResponse, OutcomePatientError, OutcomeMaskingError),
		model.Range(KeyLevel, -10, 120),
	},
}

// audiometerFrameFields is the token count of a result frame:
// model, serial, "L", 8 codes, "R", 8 codes.
const audiometerFrameFields = 2 + 2*(1+len(AudiometerFrequencies))

type audiometer struct {
	opts Options
}

func newAudiometer(opts Options) *audiometer {
	return &audiometer{opts: opts}
}

func (d *audiometer) Kind() Kind                      { return KindAudiometer }
func (d *audiometer) Codec() Codec                    { return d }
func (d *audiometer) Split() bufio.SplitFunc          { return transport.SplitTerminator(audiometerTerminator) }
func (d *audiometer) ConnectCommand() (Command, bool) { return CommandIdentify, true }
func (d *audiometer) SettingsKey() string             { return SettingPort }
func (d *audiometer) RequiredInputs() []string        { return []string{model.InputBarcode} }

// HearingSlot returns the test slot of a threshold: side and frequency.
func HearingSlot(m model.Measurement) string {
	side, freq := m.String(KeySide), m.String(KeyFrequency)
	if side == "" || freq == "" {
		return ""
	}
	return side + "_" + freq
}

func (d *audiometer) NewTest() *model.Test {
	var required []string
	for _, side := range audiometerSides {
		for _, freq := range AudiometerFrequencies {
			required = append(required, side+"_"+freq)
		}
	}
	return model.NewTest(model.Layout{
		Name:       string(KindAudiometer),
		Capacity:   len(required),
		Required:   required,
		MinSlots:   len(required),
		Slot:       HearingSlot,
		PrefixKeys: true,
	})
}

func (d *audiometer) Scan(ctx context.Context) ([]Device, error) {
	return scanSerial(ctx, d.opts.Port)
}

func (d *audiometer) Channel(dev Device) (transport.Channel, error) {
	baud := d.opts.BaudRate
	if baud == 0 {
		baud = audiometerBaud
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

func (d *audiometer) Simulator() (Device, transport.Channel) {
	dev := Device{Name: "simulated audiometer", Path: "simulator"}
	return dev, transport.NewSimulatedChannel(transport.SimulatedConfig{
		Path:      dev.Path,
		Respond:   simulateAudiometer,
		ChunkSize: 16,
	})
}

func simulateAudiometer(req []byte) ([]byte, error) {
	switch string(req) {
	case "I":
		return append([]byte("RA300 101530"), audiometerTerminator...), nil
	case "R":
		frame := "RA300 101530 L 015 010 015 020 025 030 NR AA R 020 015 020 025 030 040 045 AA"
		return append([]byte(frame), audiometerTerminator...), nil
	default:
		return nil, nil
	}
}

func (d *audiometer) Encode(cmd Command) ([]byte, error) {
	req, ok := audiometerCommands[cmd]
	if !ok {
		return nil, unsupported(KindAudiometer, cmd)
	}
	return bytes.Clone(req), nil
}

// Decode reads "<model> <serial>" for identify and
// "<model> <serial> L <8 codes> R <8 codes>" for measure.
func (d *audiometer) Decode(cmd Command, frame transport.RawFrame) (Response, error) {
	data := bytes.TrimSuffix(frame.Data, audiometerTerminator)
	fields := strings.Fields(string(data))

	switch cmd {
	case CommandIdentify:
		if len(fields) < 2 {
			return Response{}, protocolError(KindAudiometer, cmd, "identification %q", data)
		}
		return Response{Device: model.NewMeasurement(deviceSchema, map[string]any{
			KeyModel:        fields[0],
			KeySerialNumber: fields[1],
		})}, nil

	case CommandMeasure:
		if len(fields) != audiometerFrameFields {
			return Response{}, protocolError(KindAudiometer, cmd, "%d fields, want %d", len(fields), audiometerFrameFields)
		}
		resp := Response{Device: model.NewMeasurement(deviceSchema, map[string]any{
			KeyModel:        fields[0],
			KeySerialNumber: fields[1],
			KeyTimestamp:    d.opts.now(),
		})}
		pos := 2
		for _, side := range audiometerSides {
			marker := strings.ToUpper(side[:1])
			if fields[pos] != marker {
				return Response{}, protocolError(KindAudiometer, cmd, "field %d is %q, want %s", pos, fields[pos], marker)
			}
			pos++
			for _, freq := range AudiometerFrequencies {
				m, err := decodeThreshold(side, freq, fields[pos])
				if err != nil {
					return Response{}, protocolError(KindAudiometer, cmd, "%v", err)
				}
				resp.Measurements = append(resp.Measurements, m)
				pos++
			}
		}
		return resp, nil

	default:
		return Response{}, unsupported(KindAudiometer, cmd)
	}
}

// decodeThreshold interprets one code: a hearing level in dB, or one of
// the error codes.
func decodeThreshold(side, freq, code string) (model.Measurement, error) {
	values := map[string]any{
		KeySide:      side,
		KeyFrequency: freq,
		KeyCode:      code,
	}
	if outcome, ok := audiometerCodes[code]; ok {
		values[KeyOutcome] = outcome
		return model.NewMeasurement(HearingSchema, values), nil
	}
	if len(code) < 2 || len(code) > 3 {
		return model.Measurement{}, fmt.Errorf("%s %s: unknown code %q", side, freq, code)
	}
	level, err := strconv.Atoi(code)
	if err != nil {
		return model.Measurement{}, fmt.Errorf("%s %s: unknown code %q", side, freq, code)
	}
	values[KeyOutcome] = OutcomePass
	values[KeyLevel] = level
	return model.NewMeasurement(HearingSchema, values), nil
}

var _ Driver = (*audiometer)(nil)
