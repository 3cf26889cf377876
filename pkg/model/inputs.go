package model

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DefaultBarcode is the participant barcode assumed when none is supplied.
const DefaultBarcode = "00000000"

// Input keys shared by every instrument.
const (
	InputBarcode     = "barcode"
	InputLanguage    = "language"
	InputGender      = "gender"
	InputDateOfBirth = "date_of_birth"
	InputHeight      = "height"
	InputWeight      = "weight"
	InputSmoker      = "smoker"
)

// ErrMissingInputs reports required input keys absent under KeyPolicyStrict.
var ErrMissingInputs = fmt.Errorf("%w: missing input keys", ErrValidation)

// KeyPolicy decides how missing input keys are treated.
type KeyPolicy uint8

const (
	// KeyPolicyLenient keeps defaults for missing keys.
	KeyPolicyLenient KeyPolicy = iota
	// KeyPolicyStrict fails when a required key is missing.
	KeyPolicyStrict
)

// String returns the policy name.
func (p KeyPolicy) String() string {
	switch p {
	case KeyPolicyLenient:
		return "LENIENT"
	case KeyPolicyStrict:
		return "STRICT"
	default:
		return "UNKNOWN"
	}
}

// Inputs is the parsed participant configuration handed to a session.
// Unknown keys are kept but never interpreted.
type Inputs struct {
	values map[string]any
}

// ParseInputs parses a decoded configuration map. Keys are normalized to
// snake_case. Under KeyPolicyStrict every key in required must be present.
func ParseInputs(raw map[string]any, policy KeyPolicy, required ...string) (Inputs, error) {
	in := Inputs{values: make(map[string]any, len(raw))}
	for k, v := range raw {
		in.values[CanonicalKey(k)] = v
	}
	if policy != KeyPolicyStrict {
		return in, nil
	}
	var missing []string
	for _, key := range required {
		if _, ok := in.values[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return in, fmt.Errorf("%w: %s", ErrMissingInputs, strings.Join(missing, ", "))
	}
	return in, nil
}

// Keys returns the input keys in sorted order.
func (in Inputs) Keys() []string {
	return slices.Sorted(maps.Keys(in.values))
}

// Has reports whether key was supplied.
func (in Inputs) Has(key string) bool {
	_, ok := in.values[key]
	return ok
}

// Barcode returns the expected participant barcode.
func (in Inputs) Barcode() string {
	return in.String(InputBarcode, DefaultBarcode)
}

// String returns key as text, or def when absent.
func (in Inputs) String(key, def string) string {
	v, ok := in.values[key]
	if !ok || v == nil {
		return def
	}
	switch tv := v.(type) {
	case string:
		return tv
	default:
		return formatValue(tv)
	}
}

// Float returns key as a number, or def when absent or not numeric.
func (in Inputs) Float(key string, def float64) float64 {
	switch v := in.values[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

// Bool returns key as a boolean. Numbers are true when non-zero and strings
// accept the usual true/false spellings plus yes/no.
func (in Inputs) Bool(key string, def bool) bool {
	switch v := in.values[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "y":
			return true
		case "no", "n":
			return false
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// Date returns key parsed as a calendar date (yyyy-mm-dd, or RFC 3339).
func (in Inputs) Date(key string) (time.Time, bool) {
	switch v := in.values[key].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.DateOnly, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
