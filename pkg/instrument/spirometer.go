package instrument

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/CodyCooperGit/cypress/pkg/emr"
	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/transport"
)

// Transfer directory document names.
const (
	SpirometerRequestFile  = "InData.xml"
	SpirometerResponseFile = "OutData.xml"
)

// spirometerMaxTrials bounds the trials kept from one test.
const spirometerMaxTrials = 8

// Spirometer measurement and device keys.
const (
	KeyTrialNumber           = "number"
	KeyTrialDate             = "date"
	KeyRank                  = "rank"
	KeyRankOriginal          = "rank_original"
	KeyAccepted              = "accepted"
	KeyAcceptedOriginal      = "accepted_original"
	KeyManualAmbientOverride = "manual_ambient_override"
	KeyFlowInterval          = "flow_interval"
	KeyFlowValues            = "flow_values"
	KeyVolumeInterval        = "volume_interval"
	KeyVolumeValues          = "volume_values"
	KeyPDFPath               = "pdf_path"
	KeySoftwareVersion       = "software_version"
	KeyTestDate              = "test_date"
	KeyQualityGrade          = "quality_grade"
)

// TrialSchema is the validity rule of one spirometry trial.
var TrialSchema = &model.Schema{
	Name:     "trial",
	Required: []string{KeyTrialNumber},
	Rules: []model.Rule{
		model.Range(KeyTrialNumber, 1, 99),
	},
}

type spirometer struct {
	opts Options
}

func newSpirometer(opts Options) *spirometer {
	return &spirometer{opts: opts}
}

func (d *spirometer) Kind() Kind                      { return KindSpirometer }
func (d *spirometer) Codec() Codec                    { return d }
func (d *spirometer) Split() bufio.SplitFunc          { return transport.SplitDocument }
func (d *spirometer) ConnectCommand() (Command, bool) { return 0, false }
func (d *spirometer) SettingsKey() string             { return SettingTransferDir }

func (d *spirometer) RequiredInputs() []string {
	return []string{
		model.InputBarcode,
		model.InputGender,
		model.InputDateOfBirth,
		model.InputHeight,
		model.InputWeight,
		model.InputSmoker,
	}
}

// TrialSlot returns the test slot of a trial: trial_<number>.
func TrialSlot(m model.Measurement) string {
	n, ok := m.Float(KeyTrialNumber)
	if !ok {
		return ""
	}
	return "trial_" + strconv.Itoa(int(n))
}

func (d *spirometer) NewTest() *model.Test {
	return model.NewTest(model.Layout{
		Name:       string(KindSpirometer),
		Capacity:   spirometerMaxTrials,
		MinSlots:   1,
		Slot:       TrialSlot,
		PrefixKeys: true,
	})
}

func (d *spirometer) Scan(ctx context.Context) ([]Device, error) {
	return scanPath(ctx, d.opts.TransferDir)
}

func (d *spirometer) Channel(dev Device) (transport.Channel, error) {
	var args []string
	if d.opts.Companion != "" {
		args = []string{filepath.Join(dev.Path, SpirometerRequestFile), filepath.Join(dev.Path, SpirometerResponseFile)}
	}
	return transport.NewExchangeChannel(transport.ExchangeConfig{
		RequestPath:  filepath.Join(dev.Path, SpirometerRequestFile),
		ResponsePath: filepath.Join(dev.Path, SpirometerResponseFile),
		Companion:    d.opts.Companion,
		Args:         args,
		PollInterval: d.opts.PollInterval,
		Timeout:      d.opts.Timeout,
	}), nil
}

func (d *spirometer) Simulator() (Device, transport.Channel) {
	dev := Device{Name: "simulated spirometer", Path: "simulator"}
	return dev, transport.NewSimulatedChannel(transport.SimulatedConfig{
		Path:      dev.Path,
		Respond:   simulateSpirometer,
		ChunkSize: 256,
		Complete:  true,
	})
}

// Encode writes the EMR request document for the participant.
func (d *spirometer) Encode(cmd Command) ([]byte, error) {
	if cmd != CommandMeasure {
		return nil, unsupported(KindSpirometer, cmd)
	}
	in := d.opts.Inputs
	p := emr.PatientInput{
		ID:     in.Barcode(),
		Gender: in.String(model.InputGender, ""),
		Height: in.Float(model.InputHeight, 0),
		Weight: in.Float(model.InputWeight, 0),
		Smoker: in.Bool(model.InputSmoker, false),
	}
	p.DateOfBirth, _ = in.Date(model.InputDateOfBirth)
	return emr.Marshal(p)
}

// Decode reads the EMR response document. The patient must be the
// session's participant; every trial becomes one measurement.
func (d *spirometer) Decode(cmd Command, frame transport.RawFrame) (Response, error) {
	if cmd != CommandMeasure {
		return Response{}, unsupported(KindSpirometer, cmd)
	}
	out, err := emr.Reader{Skip: d.opts.Skip}.Read(bytes.NewReader(frame.Data))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s %s: %w", ErrProtocol, KindSpirometer, cmd, err)
	}
	if want := d.opts.Inputs.Barcode(); out.ID != want {
		return Response{}, protocolError(KindSpirometer, cmd, "patient %q does not match barcode %q", out.ID, want)
	}
	if len(out.Trials) == 0 {
		return Response{}, protocolError(KindSpirometer, cmd, "no trials")
	}

	device := map[string]any{
		KeySoftwareVersion: out.SoftwareVersion,
		KeyQualityGrade:    out.QualityGrade,
	}
	if out.PDFPath != "" {
		device[KeyPDFPath] = out.PDFPath
	}
	if !out.TestDate.IsZero() {
		device[KeyTestDate] = out.TestDate
	}
	addResults(device, "best_", out.BestValues)

	resp := Response{Device: model.NewMeasurement(deviceSchema, device)}
	for _, t := range out.Trials {
		resp.Measurements = append(resp.Measurements, trialMeasurement(t))
	}
	return resp, nil
}

func trialMeasurement(t emr.Trial) model.Measurement {
	values := map[string]any{
		KeyTrialNumber:           t.Number,
		KeyRank:                  t.Rank,
		KeyRankOriginal:          t.RankOriginal,
		KeyAccepted:              t.Accepted,
		KeyAcceptedOriginal:      t.AcceptedOriginal,
		KeyManualAmbientOverride: t.ManualAmbientOverride,
	}
	if !t.Date.IsZero() {
		values[KeyTrialDate] = t.Date
	}
	if len(t.FlowValues) > 0 {
		values[KeyFlowInterval] = t.FlowInterval
		values[KeyFlowValues] = t.FlowValues
	}
	if len(t.VolumeValues) > 0 {
		values[KeyVolumeInterval] = t.VolumeInterval
		values[KeyVolumeValues] = t.VolumeValues
	}
	addResults(values, "", t.ResultParameters)
	return model.NewMeasurement(TrialSchema, values)
}

// addResults flattens result parameters into <prefix><id>_value, _unit,
// _predicted and _lln keys.
func addResults(values map[string]any, prefix string, p emr.ResultParameters) {
	for _, id := range slices.Sorted(maps.Keys(p.Results)) {
		r := p.Results[id]
		key := prefix + model.CanonicalKey(id)
		values[key+"_value"] = r.DataValue
		values[key+"_unit"] = r.Unit
		values[key+"_predicted"] = r.PredictedValue
		values[key+"_lln"] = r.LLNormalValue
	}
}

// simulatedOutData is the response document template; the patient ID is
// taken from the request.
const simulatedOutData = `<?xml version="1.0" encoding="utf-8"?>
<ndd Version="ndd.EasyWarePro.V1">
  <Command Type="TestResult" />
  <Patients>
    <Patient ID="%s">
      <Intervals>
        <Interval>
          <Tests>
            <Test TypeOfTest="FVC">
              <TestDate>2024-01-15T10:30:00.0</TestDate>
              <SWVersion>1.10.0.0</SWVersion>
              <QualityGrade>A</QualityGrade>
              <QualityGradeOriginal>A</QualityGradeOriginal>
              <BestValues>
                <ResultParameter ID="FVC"><DataValue>4.12</DataValue><Unit>L</Unit><PredictedValue>4.5</PredictedValue><LLNormalValue>3.6</LLNormalValue></ResultParameter>
              </BestValues>
              <Trials>
                <Trial>
                  <Date>2024-01-15T10:25:00.0</Date>
                  <Number>1</Number>
                  <Rank>2</Rank>
                  <Accepted>true</Accepted>
                  <ResultParameters>
                    <ResultParameter ID="FVC"><DataValue>4.01</DataValue><Unit>L</Unit></ResultParameter>
                  </ResultParameters>
                  <ChannelFlow><SamplingInterval>0.01</SamplingInterval><SamplingValues>0 1.5 3.2 2.1 0.4</SamplingValues></ChannelFlow>
                </Trial>
                <Trial>
                  <Date>2024-01-15T10:27:00.0</Date>
                  <Number>2</Number>
                  <Rank>1</Rank>
                  <Accepted>true</Accepted>
                  <ResultParameters>
                    <ResultParameter ID="FVC"><DataValue>4.12</DataValue><Unit>L</Unit></ResultParameter>
                  </ResultParameters>
                </Trial>
              </Trials>
            </Test>
          </Tests>
        </Interval>
      </Intervals>
    </Patient>
  </Patients>
</ndd>
`

func simulateSpirometer(req []byte) ([]byte, error) {
	in, err := emr.Unmarshal(req)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, simulatedOutData, in.ID), nil
}

var _ Driver = (*spirometer)(nil)
