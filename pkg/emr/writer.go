package emr

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidInput indicates patient input that cannot be written.
var ErrInvalidInput = errors.New("invalid patient input")

type inData struct {
	XMLName  xml.Name        `xml:"ndd"`
	XSI      string          `xml:"xmlns:xsi,attr"`
	XSD      string          `xml:"xmlns:xsd,attr"`
	Version  string          `xml:"Version,attr"`
	Command  inCommand       `xml:"Command"`
	Patients []inDataPatient `xml:"Patients>Patient"`
}

type inCommand struct {
	Type       string        `xml:"Type,attr"`
	Parameters []inParameter `xml:"Parameter"`
}

type inParameter struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:",chardata"`
}

type inDataPatient struct {
	ID        string        `xml:"ID,attr"`
	LastName  string        `xml:"LastName"`
	FirstName string        `xml:"FirstName"`
	IsBioCal  string        `xml:"IsBioCal"`
	Present   inPatientData `xml:"PatientDataAtPresent"`
}

type inPatientData struct {
	Gender              string `xml:"Gender"`
	DateOfBirth         string `xml:"DateOfBirth"`
	ComputedDateOfBirth string `xml:"ComputedDateOfBirth"`
	Height              string `xml:"Height"`
	Weight              string `xml:"Weight"`
	Smoker              string `xml:"Smoker"`
	Asthma              string `xml:"Asthma"`
	COPD                string `xml:"COPD"`
}

// Write writes the request document asking the instrument software to
// perform an FVC test for p.
func Write(w io.Writer, p PatientInput) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: patient ID is required", ErrInvalidInput)
	}

	doc := inData{
		XSI:     namespaceXSI,
		XSD:     namespaceXSD,
		Version: Version,
		Command: inCommand{
			Type: CommandPerform,
			Parameters: []inParameter{
				{Name: "OrderID", Value: "1"},
				{Name: "TestType", Value: TestTypeFVC},
			},
		},
		Patients: []inDataPatient{{
			ID:       p.ID,
			IsBioCal: "false",
			Present: inPatientData{
				Gender:              capitalize(p.Gender),
				DateOfBirth:         formatDate(p),
				ComputedDateOfBirth: "false",
				Height:              strconv.FormatFloat(p.Height, 'f', -1, 64),
				Weight:              strconv.FormatFloat(p.Weight, 'f', -1, 64),
				Smoker:              yesNo(p.Smoker),
				Asthma:              yesNo(false),
				COPD:                yesNo(false),
			},
		}},
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Marshal returns the request document for p.
func Marshal(p PatientInput) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatDate(p PatientInput) string {
	if p.DateOfBirth.IsZero() {
		return ""
	}
	return p.DateOfBirth.Format(dateLayout)
}

// capitalize lower-cases s and upper-cases its first letter.
func capitalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
