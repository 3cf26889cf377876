package emr

import (
	"bytes"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPatient = PatientInput{
	ID:          "12345678",
	Gender:      "fEMALE",
	DateOfBirth: time.Date(1960, 5, 17, 0, 0, 0, 0, time.UTC),
	Height:      1.65,
	Weight:      61.5,
	Smoker:      true,
}

func TestWriteDocument(t *testing.T) {
	data, err := Marshal(testPatient)
	require.NoError(t, err)
	doc := string(data)

	assert.True(t, strings.HasPrefix(doc, xml.Header))
	assert.Contains(t, doc, `<ndd xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" Version="ndd.EasyWarePro.V1">`)
	assert.Contains(t, doc, `<Command Type="PerformTest">`)
	assert.Contains(t, doc, `<Parameter Name="OrderID">1</Parameter>`)
	assert.Contains(t, doc, `<Parameter Name="TestType">FVC</Parameter>`)
	assert.Contains(t, doc, `<Patient ID="12345678">`)

	var got inData
	require.NoError(t, xml.Unmarshal(data, &got))
	require.Len(t, got.Patients, 1)
	p := got.Patients[0]
	assert.Equal(t, "false", p.IsBioCal)
	assert.Equal(t, inPatientData{
		Gender:              "Female",
		DateOfBirth:         "1960-05-17",
		ComputedDateOfBirth: "false",
		Height:              "1.65",
		Weight:              "61.5",
		Smoker:              "Yes",
		Asthma:              "No",
		COPD:                "No",
	}, p.Present)
}

func TestWriteElementOrder(t *testing.T) {
	data, err := Marshal(testPatient)
	require.NoError(t, err)

	var names []string
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if s, ok := tok.(xml.StartElement); ok {
			names = append(names, s.Name.Local)
		}
	}
	assert.Equal(t, []string{
		"ndd", "Command", "Parameter", "Parameter",
		"Patients", "Patient", "LastName", "FirstName", "IsBioCal",
		"PatientDataAtPresent", "Gender", "DateOfBirth", "ComputedDateOfBirth",
		"Height", "Weight", "Smoker", "Asthma", "COPD",
	}, names)
}

func TestWriteReadRoundTrip(t *testing.T) {
	data, err := Marshal(testPatient)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "12345678", out.ID)
	assert.Equal(t, CommandPerform, out.CommandType)
	assert.Empty(t, out.Trials)
}

func TestWriteRequiresID(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, PatientInput{ID: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, buf.Len())
}

func TestCapitalize(t *testing.T) {
	tests := map[string]string{
		"male":    "Male",
		"FEMALE":  "Female",
		" mAlE ":  "Male",
		"":        "",
		"édouard": "Édouard",
	}
	for in, want := range tests {
		if got := capitalize(in); got != want {
			t.Errorf("capitalize(%q) = %q, want %q", in, got, want)
		}
	}
}
