package emr

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFixture(t *testing.T, rd Reader) *OutData {
	t.Helper()
	f, err := os.Open("testdata/outdata.xml")
	require.NoError(t, err)
	defer f.Close()

	out, err := rd.Read(f)
	require.NoError(t, err)
	return out
}

func TestReadMinimalDocument(t *testing.T) {
	doc := `<ndd><Patients><Patient ID="12345678"><Intervals><Interval><Tests>
<Test TypeOfTest="FVC"><Trials><Trial><Number>1</Number><ResultParameters>
<ResultParameter ID="FVC"><DataValue>4.12</DataValue><Unit>L</Unit></ResultParameter>
</ResultParameters></Trial></Trials></Test>
</Tests></Interval></Intervals></Patient></Patients></ndd>`

	out, err := Read(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, "12345678", out.ID)
	require.Len(t, out.Trials, 1)
	fvc, ok := out.Trials[0].ResultParameters.Get("FVC")
	require.True(t, ok)
	assert.Equal(t, 4.12, fvc.DataValue)
	assert.Equal(t, "L", fvc.Unit)
}

func TestReadFullDocument(t *testing.T) {
	out := readFixture(t, Reader{FileExists: func(path string) bool {
		return path == "/data/reports/12345678.pdf"
	}})

	assert.Equal(t, "12345678", out.ID)
	assert.Equal(t, CommandResult, out.CommandType)
	assert.Equal(t, "/data/reports/12345678.pdf", out.PDFPath)
	assert.Equal(t, time.Date(2021, 3, 4, 10, 11, 12, 500_000_000, time.UTC), out.TestDate)
	assert.Equal(t, "1.10.0.0", out.SoftwareVersion)
	assert.Equal(t, "A", out.QualityGrade)
	assert.Equal(t, "B", out.QualityGradeOriginal)

	best, ok := out.BestValues.Get("FEV1")
	require.True(t, ok)
	assert.Equal(t, ResultParameter{DataValue: 3.2, Unit: "L", PredictedValue: 3.7, LLNormalValue: 2.9}, best)
	assert.Len(t, out.BestValues.Results, 2)

	assert.Equal(t, PatientData{
		Gender:      "Female",
		DateOfBirth: time.Date(1960, 5, 17, 0, 0, 0, 0, time.UTC),
		Height:      1.65,
		Weight:      61.5,
		Ethnicity:   "Caucasian",
		Smoker:      "No",
		Asthma:      "No",
		COPD:        "No",
	}, out.Patient)

	require.Len(t, out.Trials, 2, "repeated trial number is discarded")
	first := out.Trials[0]
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, 2, first.Rank, "first occurrence of trial 1 is kept")
	assert.Equal(t, "true", first.Accepted)
	assert.Equal(t, "false", first.ManualAmbientOverride)
	assert.Equal(t, 0.01, first.FlowInterval)
	assert.Equal(t, []float64{0, 0.5, 1.25, 2}, first.FlowValues)
	assert.Equal(t, 0.02, first.VolumeInterval)
	assert.Equal(t, []float64{0, 0.1, 0.3}, first.VolumeValues)

	second, ok := out.Trial(2)
	require.True(t, ok)
	assert.Equal(t, "false", second.AcceptedOriginal)
	assert.Equal(t, 4.12, second.ResultParameters.Results["FVC"].DataValue)
	assert.Nil(t, second.FlowValues)
}

func TestReadDropsMissingAttachment(t *testing.T) {
	out := readFixture(t, Reader{FileExists: func(string) bool { return false }})
	assert.Empty(t, out.PDFPath)
}

func TestReadAttachmentOnDisk(t *testing.T) {
	pdf := t.TempDir() + "/report.pdf"
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4"), 0644))

	doc := `<ndd><Command Type="TestResult"><Parameter Name="Attachment">` + pdf + `</Parameter></Command></ndd>`
	out, err := Read(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, pdf, out.PDFPath)
}

// skipFixture nests an element named like its unknown parent, followed by
// a decoy Patients section inside the same parent.
const skipFixture = `<ndd>
  <Extra>
    <Extra><Note>inner</Note></Extra>
    <Patients><Patient ID="decoy"/></Patients>
  </Extra>
  <Patients><Patient ID="real"/></Patients>
</ndd>`

func TestReadSkipByNameStopsAtNestedTag(t *testing.T) {
	out, err := Reader{Skip: SkipByName}.Read(strings.NewReader(skipFixture))
	require.NoError(t, err)
	assert.Equal(t, "decoy", out.ID)
}

func TestReadSkipByDepthStopsAtTrueClosingTag(t *testing.T) {
	out, err := Reader{Skip: SkipByDepth}.Read(strings.NewReader(skipFixture))
	require.NoError(t, err)
	assert.Equal(t, "real", out.ID)
}

func TestReadPolicyAgreementOnUniqueNames(t *testing.T) {
	byName := readFixture(t, Reader{Skip: SkipByName})
	byDepth := readFixture(t, Reader{Skip: SkipByDepth})
	assert.Equal(t, byName, byDepth)
}

func TestReadMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"whitespace only", "  \n"},
		{"truncated", "<ndd><Patients><Patient ID=\"1\">"},
		{"mismatched tags", "<ndd><Patients></Patient></ndd>"},
		{"wrong root", "<OutData/>"},
		{"element inside text", "<ndd><Command><Parameter Name=\"Attachment\"><b/></Parameter></Command></ndd>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Read(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, out)
		})
	}
}

func TestReadLenientNumbers(t *testing.T) {
	doc := `<ndd><Patients><Patient ID="1"><Intervals><Interval><Tests><Test TypeOfTest="FVC">
<TestDate>not a date</TestDate>
<Trials><Trial><Number>x</Number><ChannelFlow><SamplingValues>1,2;n/a</SamplingValues></ChannelFlow></Trial></Trials>
</Test></Tests></Interval></Intervals></Patient></Patients></ndd>`

	out, err := Read(strings.NewReader(doc))
	require.NoError(t, err)
	assert.True(t, out.TestDate.IsZero())
	require.Len(t, out.Trials, 1)
	assert.Equal(t, 0, out.Trials[0].Number)
	assert.Equal(t, []float64{1, 2, 0}, out.Trials[0].FlowValues)
}

func TestSkipPolicyString(t *testing.T) {
	if got := SkipByName.String(); got != "BY_NAME" {
		t.Errorf("SkipByName.String() = %q", got)
	}
	if got := SkipByDepth.String(); got != "BY_DEPTH" {
		t.Errorf("SkipByDepth.String() = %q", got)
	}
	if got := SkipPolicy(9).String(); got != "UNKNOWN" {
		t.Errorf("SkipPolicy(9).String() = %q", got)
	}
}
