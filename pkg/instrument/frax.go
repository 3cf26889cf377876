package instrument

import (
	"bufio"
	"bytes"
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/transport"
)

// Blackbox file names, relative to the executable's directory.
const (
	fraxInputFile  = "input.txt"
	fraxOutputFile = "output.txt"
)

// Frax input keys beyond the shared ones.
const (
	InputAge                   = "age"
	InputBMI                   = "bmi"
	InputPreviousFracture      = "previous_fracture"
	InputParentHipFracture     = "parent_hip_fracture"
	InputCurrentSmoker         = "current_smoker"
	InputGlucocorticoid        = "glucocorticoid"
	InputRheumatoidArthritis   = "rheumatoid_arthritis"
	InputSecondaryOsteoporosis = "secondary_osteoporosis"
	InputAlcohol               = "alcohol"
	InputFemoralNeckTScore     = "femoral_neck_tscore"
)

// Frax measurement keys.
const (
	KeyFractureType = "type"
	KeyProbability  = "probability"
)

// Fracture types in output order.
var FractureTypes = [...]string{
	"osteoporotic_fracture",
	"hip_fracture",
	"osteoporotic_fracture_bmd",
	"hip_fracture_bmd",
}

// fraxFields names the echoed input fields of an output line, in order.
var fraxFields = [...]string{
	"type",
	"country_code",
	InputAge,
	"sex",
	InputBMI,
	InputPreviousFracture,
	InputParentHipFracture,
	InputCurrentSmoker,
	InputGlucocorticoid,
	InputRheumatoidArthritis,
	InputSecondaryOsteoporosis,
	InputAlcohol,
	InputFemoralNeckTScore,
}

// fraxRiskFactors are the 0/1 fields between the BMI and the T-score.
var fraxRiskFactors = [...]string{
	InputPreviousFracture,
	InputParentHipFracture,
	InputCurrentSmoker,
	InputGlucocorticoid,
	InputRheumatoidArthritis,
	InputSecondaryOsteoporosis,
	InputAlcohol,
}

const (
	fraxRecordType  = "t"
	fraxCountryCode = 19
)

// ProbabilitySchema is the validity rule of one fracture probability.
var ProbabilitySchema = &model.Schema{
	Name:     "fracture_probability",
	Required: []string{KeyFractureType, KeyProbability},
	Rules: []model.Rule{
		model.OneOf(KeyFractureType, FractureTypes[:]...),
		model.Range(KeyProbability, 0, 100),
	},
}

type frax struct {
	opts Options
}

func newFrax(opts Options) *frax {
	return &frax{opts: opts}
}

func (d *frax) Kind() Kind                      { return KindFrax }
func (d *frax) Codec() Codec                    { return d }
func (d *frax) Split() bufio.SplitFunc          { return transport.SplitWhole }
func (d *frax) ConnectCommand() (Command, bool) { return 0, false }
func (d *frax) SettingsKey() string             { return SettingExecutable }

func (d *frax) RequiredInputs() []string {
	return []string{model.InputBarcode, InputAge, model.InputGender, InputBMI, InputFemoralNeckTScore}
}

func (d *frax) NewTest() *model.Test {
	return model.NewTest(model.Layout{
		Name:       string(KindFrax),
		Capacity:   len(FractureTypes),
		Required:   FractureTypes[:],
		MinSlots:   len(FractureTypes),
		Slot:       func(m model.Measurement) string { return m.String(KeyFractureType) },
		PrefixKeys: true,
	})
}

func (d *frax) Scan(ctx context.Context) ([]Device, error) {
	return scanPath(ctx, d.opts.Executable)
}

func (d *frax) Channel(dev Device) (transport.Channel, error) {
	return transport.NewProcessChannel(transport.ProcessConfig{
		Executable: dev.Path,
		InputPath:  fraxInputFile,
		OutputPath: fraxOutputFile,
		Timeout:    d.opts.Timeout,
	}), nil
}

func (d *frax) Simulator() (Device, transport.Channel) {
	dev := Device{Name: "simulated blackbox", Path: "simulator"}
	return dev, transport.NewSimulatedChannel(transport.SimulatedConfig{
		Path:     dev.Path,
		Respond:  simulateFrax,
		Complete: true,
	})
}

// simulateFrax echoes the input line followed by fixed probabilities.
func simulateFrax(req []byte) ([]byte, error) {
	line := strings.TrimSpace(string(req))
	if line == "" {
		return nil, nil
	}
	return []byte(line + ",12.34,2.06,9.87,1.45\n"), nil
}

// Encode builds the blackbox input line:
// t,19,age,sex,bmi,<7 risk factors>,femoral neck T-score.
func (d *frax) Encode(cmd Command) ([]byte, error) {
	if cmd != CommandMeasure {
		return nil, unsupported(KindFrax, cmd)
	}
	in := d.opts.Inputs

	fields := []string{
		fraxRecordType,
		strconv.Itoa(fraxCountryCode),
		formatNumber(d.age()),
		fraxSex(in.String(model.InputGender, "")),
		formatNumber(in.Float(InputBMI, 0)),
	}
	for _, key := range fraxRiskFactors {
		fields = append(fields, flag(in.Bool(key, false)))
	}
	fields = append(fields, formatNumber(in.Float(InputFemoralNeckTScore, 0)))
	return []byte(strings.Join(fields, ",") + "\n"), nil
}

// age returns the age input, or the age computed from the date of birth.
func (d *frax) age() float64 {
	in := d.opts.Inputs
	if in.Has(InputAge) {
		return in.Float(InputAge, 0)
	}
	dob, ok := in.Date(model.InputDateOfBirth)
	if !ok {
		return 0
	}
	return float64(yearsBetween(dob, d.opts.now()))
}

// Decode reads the output line: the 13 echoed input fields followed by
// the four 10-year probabilities.
func (d *frax) Decode(cmd Command, frame transport.RawFrame) (Response, error) {
	if cmd != CommandMeasure {
		return Response{}, unsupported(KindFrax, cmd)
	}
	line, _, _ := bytes.Cut(bytes.TrimSpace(frame.Data), []byte("\n"))
	fields := strings.Split(strings.TrimSpace(string(line)), ",")
	want := len(fraxFields) + len(FractureTypes)
	if len(fields) < want {
		return Response{}, protocolError(KindFrax, cmd, "%d fields, want %d", len(fields), want)
	}

	echo := map[string]any{KeyTimestamp: d.opts.now()}
	for i, name := range fraxFields {
		echo[name] = strings.TrimSpace(fields[i])
	}
	resp := Response{Device: model.NewMeasurement(deviceSchema, echo)}

	for i, typ := range FractureTypes {
		raw := strings.TrimSpace(fields[len(fraxFields)+i])
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Response{}, protocolError(KindFrax, cmd, "%s probability %q", typ, raw)
		}
		resp.Measurements = append(resp.Measurements, model.NewMeasurement(ProbabilitySchema, map[string]any{
			KeyFractureType: typ,
			KeyProbability:  math.Round(p*10) / 10,
		}))
	}
	return resp, nil
}

// fraxSex encodes gender the way the blackbox expects: 0 male, 1 female.
func fraxSex(gender string) string {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "female", "f":
		return "1"
	default:
		return "0"
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// yearsBetween returns the number of whole years from birth to now.
func yearsBetween(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	return max(years, 0)
}

var _ Driver = (*frax)(nil)
