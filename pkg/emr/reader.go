package emr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed indicates a response document that is not well-formed XML
// or has no ndd root element.
var ErrMalformed = errors.New("malformed EMR document")

// Reader reads response documents.
type Reader struct {
	// Skip selects how elements the reader does not consume are skipped.
	Skip SkipPolicy

	// FileExists reports whether the attachment exists. Defaults to a
	// file system check.
	FileExists func(path string) bool
}

// Read reads a response document with the default Reader.
func Read(r io.Reader) (*OutData, error) {
	return Reader{}.Read(r)
}

// Unmarshal reads a response document from data with the default Reader.
func Unmarshal(data []byte) (*OutData, error) {
	return Reader{}.Read(bytes.NewReader(data))
}

// Read reads one response document from r.
func (rd Reader) Read(r io.Reader) (*OutData, error) {
	exists := rd.FileExists
	if exists == nil {
		exists = fileExists
	}

	c := newCursor(r, rd.Skip)
	root, _, err := c.readNextStartElement()
	if err != nil {
		return nil, err
	}
	if root.name != "ndd" {
		return nil, fmt.Errorf("%w: root element %q, want ndd", ErrMalformed, root.name)
	}

	out := &OutData{}
	err = c.readChildren(root, func(e element) error {
		switch e.name {
		case "Command":
			return readCommand(c, e, out, exists)
		case "Patients":
			return readPatients(c, e, out)
		default:
			return c.skipToEnd(e)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readCommand(c *cursor, cmd element, out *OutData, exists func(string) bool) error {
	out.CommandType = cmd.attrValue("Type")
	return c.readChildren(cmd, func(e element) error {
		if e.name != "Parameter" || e.attrValue("Name") != "Attachment" {
			return c.skipToEnd(e)
		}
		path, err := readText(c)
		if err != nil {
			return err
		}
		if path != "" && exists(path) {
			out.PDFPath = path
		}
		return nil
	})
}

func readPatients(c *cursor, patients element, out *OutData) error {
	seen := false
	return c.readChildren(patients, func(e element) error {
		if e.name != "Patient" || seen {
			return c.skipToEnd(e)
		}
		seen = true
		out.ID = e.attrValue("ID")
		return readPatient(c, e, out)
	})
}

func readPatient(c *cursor, patient element, out *OutData) error {
	return c.readChildren(patient, func(e element) error {
		if e.name != "Intervals" {
			return c.skipToEnd(e)
		}
		return readIntervals(c, e, out)
	})
}

func readIntervals(c *cursor, intervals element, out *OutData) error {
	seen := false
	return c.readChildren(intervals, func(e element) error {
		if e.name != "Interval" || seen {
			return c.skipToEnd(e)
		}
		seen = true
		return readInterval(c, e, out)
	})
}

func readInterval(c *cursor, interval element, out *OutData) error {
	return c.readChildren(interval, func(e element) error {
		if e.name != "Tests" {
			return c.skipToEnd(e)
		}
		return readTests(c, e, out)
	})
}

func readTests(c *cursor, tests element, out *OutData) error {
	seen := false
	return c.readChildren(tests, func(e element) error {
		if e.name != "Test" || e.attrValue("TypeOfTest") != TestTypeFVC || seen {
			return c.skipToEnd(e)
		}
		seen = true
		return readFVCTest(c, e, out)
	})
}

func readFVCTest(c *cursor, test element, out *OutData) error {
	return c.readChildren(test, func(e element) error {
		var err error
		switch e.name {
		case "TestDate":
			var s string
			s, err = readText(c)
			out.TestDate = parseTimestamp(s)
		case "BestValues":
			out.BestValues, err = readResultParameters(c, e)
		case "SWVersion":
			out.SoftwareVersion, err = readText(c)
		case "PatientDataAtTestTime":
			out.Patient, err = readPatientData(c, e)
		case "QualityGradeOriginal":
			out.QualityGradeOriginal, err = readText(c)
		case "QualityGrade":
			out.QualityGrade, err = readText(c)
		case "Trials":
			err = readTrials(c, e, out)
		default:
			err = c.skipToEnd(e)
		}
		return err
	})
}

func readPatientData(c *cursor, data element) (PatientData, error) {
	var p PatientData
	err := c.readChildren(data, func(e element) error {
		var s string
		var err error
		switch e.name {
		case "Gender", "DateOfBirth", "Height", "Weight", "Ethnicity", "Smoker", "Asthma", "COPD":
			s, err = readText(c)
		default:
			return c.skipToEnd(e)
		}
		if err != nil {
			return err
		}
		switch e.name {
		case "Gender":
			p.Gender = s
		case "DateOfBirth":
			p.DateOfBirth, _ = time.Parse(dateLayout, s)
		case "Height":
			p.Height = parseFloat(s)
		case "Weight":
			p.Weight = parseFloat(s)
		case "Ethnicity":
			p.Ethnicity = s
		case "Smoker":
			p.Smoker = s
		case "Asthma":
			p.Asthma = s
		case "COPD":
			p.COPD = s
		}
		return nil
	})
	return p, err
}

// readTrials appends each trial whose number has not been seen before.
func readTrials(c *cursor, trials element, out *OutData) error {
	return c.readChildren(trials, func(e element) error {
		if e.name != "Trial" {
			return c.skipToEnd(e)
		}
		t, err := readTrial(c, e)
		if err != nil {
			return err
		}
		if _, dup := out.Trial(t.Number); !dup {
			out.Trials = append(out.Trials, t)
		}
		return nil
	})
}

func readTrial(c *cursor, trial element) (Trial, error) {
	var t Trial
	err := c.readChildren(trial, func(e element) error {
		var s string
		var err error
		switch e.name {
		case "ResultParameters":
			t.ResultParameters, err = readResultParameters(c, e)
			return err
		case "ChannelFlow":
			t.FlowInterval, t.FlowValues, err = readChannel(c, e)
			return err
		case "ChannelVolume":
			t.VolumeInterval, t.VolumeValues, err = readChannel(c, e)
			return err
		case "Date", "Number", "Rank", "RankOriginal", "Accepted", "AcceptedOriginal", "ManualAmbientOverride":
			if s, err = readText(c); err != nil {
				return err
			}
		default:
			return c.skipToEnd(e)
		}

		switch e.name {
		case "Date":
			t.Date = parseTimestamp(s)
		case "Number":
			t.Number = parseInt(s)
		case "Rank":
			t.Rank = parseInt(s)
		case "RankOriginal":
			t.RankOriginal = parseInt(s)
		case "Accepted":
			t.Accepted = s
		case "AcceptedOriginal":
			t.AcceptedOriginal = s
		case "ManualAmbientOverride":
			t.ManualAmbientOverride = s
		}
		return nil
	})
	return t, err
}

func readResultParameters(c *cursor, params element) (ResultParameters, error) {
	p := ResultParameters{Results: make(map[string]ResultParameter)}
	err := c.readChildren(params, func(e element) error {
		if e.name != "ResultParameter" {
			return c.skipToEnd(e)
		}
		r, err := readResultParameter(c, e)
		if err != nil {
			return err
		}
		p.Results[e.attrValue("ID")] = r
		return nil
	})
	return p, err
}

func readResultParameter(c *cursor, param element) (ResultParameter, error) {
	var r ResultParameter
	err := c.readChildren(param, func(e element) error {
		switch e.name {
		case "DataValue", "Unit", "PredictedValue", "LLNormalValue":
		default:
			return c.skipToEnd(e)
		}
		s, err := readText(c)
		if err != nil {
			return err
		}
		switch e.name {
		case "DataValue":
			r.DataValue = parseFloat(s)
		case "Unit":
			r.Unit = s
		case "PredictedValue":
			r.PredictedValue = parseFloat(s)
		case "LLNormalValue":
			r.LLNormalValue = parseFloat(s)
		}
		return nil
	})
	return r, err
}

func readChannel(c *cursor, channel element) (float64, []float64, error) {
	var interval float64
	var values []float64
	err := c.readChildren(channel, func(e element) error {
		switch e.name {
		case "SamplingInterval":
			s, err := readText(c)
			interval = parseFloat(s)
			return err
		case "SamplingValues":
			s, err := readText(c)
			values = parseValues(s)
			return err
		default:
			return c.skipToEnd(e)
		}
	})
	return interval, values, err
}

func readText(c *cursor) (string, error) {
	s, err := c.readElementText()
	return strings.TrimSpace(s), err
}

// Numeric content is read leniently: an unparsable value reads as zero.

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// parseValues splits a sample list on whitespace, commas and semicolons.
func parseValues(s string) []float64 {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ',' || r == ';'
	})
	if len(fields) == 0 {
		return nil
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		values[i] = parseFloat(f)
	}
	return values
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{timestampLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
