package emr

import "time"

// Document constants.
const (
	Version        = "ndd.EasyWarePro.V1"
	CommandPerform = "PerformTest"
	CommandResult  = "TestResult"
	TestTypeFVC    = "FVC"

	namespaceXSI = "http://www.w3.org/2001/XMLSchema-instance"
	namespaceXSD = "http://www.w3.org/2001/XMLSchema"

	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02T15:04:05"
)

// PatientInput is the patient data written into a request document.
type PatientInput struct {
	// ID is the participant barcode. Required.
	ID string

	// Gender in any letter case; written capitalized (male becomes Male).
	Gender string

	DateOfBirth time.Time

	// Height in metres and Weight in kilograms.
	Height float64
	Weight float64

	Smoker bool
}

// ResultParameter is one computed result of a trial or of the best values.
type ResultParameter struct {
	DataValue      float64
	Unit           string
	PredictedValue float64
	LLNormalValue  float64
}

// ResultParameters maps a result ID (FVC, FEV1, ...) to its values.
type ResultParameters struct {
	Results map[string]ResultParameter
}

// Get returns the result with the given ID.
func (p ResultParameters) Get(id string) (ResultParameter, bool) {
	r, ok := p.Results[id]
	return r, ok
}

// PatientData is the patient data recorded at test time.
type PatientData struct {
	Gender      string
	DateOfBirth time.Time
	Height      float64
	Weight      float64
	Ethnicity   string
	Smoker      string
	Asthma      string
	COPD        string
}

// Trial is one manoeuvre of an FVC test.
type Trial struct {
	Date                  time.Time
	Number                int
	Rank                  int
	RankOriginal          int
	Accepted              string
	AcceptedOriginal      string
	ManualAmbientOverride string
	ResultParameters      ResultParameters

	FlowInterval   float64
	FlowValues     []float64
	VolumeInterval float64
	VolumeValues   []float64
}

// OutData is the content of a response document.
type OutData struct {
	// ID is the ID attribute of the first Patient.
	ID string

	// CommandType is the Type attribute of the Command element.
	CommandType string

	// PDFPath is the report attachment; set only when the file exists.
	PDFPath string

	TestDate             time.Time
	SoftwareVersion      string
	QualityGrade         string
	QualityGradeOriginal string
	BestValues           ResultParameters
	Patient              PatientData

	// Trials in document order, without repeated trial numbers.
	Trials []Trial
}

// Trial returns the trial with the given number.
func (d *OutData) Trial(number int) (Trial, bool) {
	for _, t := range d.Trials {
		if t.Number == number {
			return t, true
		}
	}
	return Trial{}, false
}
