package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Validation errors. Every rejection of a measurement or of an append to a
// Test wraps ErrValidation.
var (
	ErrValidation      = errors.New("validation error")
	ErrMissingKey      = fmt.Errorf("%w: missing key", ErrValidation)
	ErrValueType       = fmt.Errorf("%w: unexpected value type", ErrValidation)
	ErrValueOutOfRange = fmt.Errorf("%w: value out of range", ErrValidation)
	ErrNoSchema        = fmt.Errorf("%w: measurement has no schema", ErrValidation)
)

// Measurement is an immutable set of named values decoded from an
// instrument, together with the Schema that decides whether it is valid.
//
// Supported value types are string, bool, int, float64, time.Time and
// []float64. Values are copied on construction and on every read.
type Measurement struct {
	schema *Schema
	values map[string]any
}

// NewMeasurement builds a Measurement from values. Unsupported value types
// are stored as their fmt.Sprint representation.
func NewMeasurement(schema *Schema, values map[string]any) Measurement {
	m := Measurement{schema: schema, values: make(map[string]any, len(values))}
	for k, v := range values {
		m.values[k] = copyValue(v)
	}
	return m
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case string, bool, int, float64, time.Time:
		return tv
	case []float64:
		return slices.Clone(tv)
	case nil:
		return nil
	default:
		return fmt.Sprint(tv)
	}
}

// Schema returns the schema the measurement is checked against.
func (m Measurement) Schema() *Schema {
	return m.schema
}

// Len returns the number of values.
func (m Measurement) Len() int {
	return len(m.values)
}

// Keys returns the value names in sorted order.
func (m Measurement) Keys() []string {
	return slices.Sorted(maps.Keys(m.values))
}

// Get returns a copy of the named value.
func (m Measurement) Get(key string) (any, bool) {
	v, ok := m.values[key]
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// Has reports whether the named value is present.
func (m Measurement) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// String returns the named value formatted as text, or "" when absent.
func (m Measurement) String(key string) string {
	v, ok := m.values[key]
	if !ok || v == nil {
		return ""
	}
	return formatValue(v)
}

// Float returns the named value as a float64.
func (m Measurement) Float(key string) (float64, bool) {
	switch v := m.values[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Time returns the named value as a time.Time.
func (m Measurement) Time(key string) (time.Time, bool) {
	t, ok := m.values[key].(time.Time)
	return t, ok
}

// Values returns a copy of all values.
func (m Measurement) Values() map[string]any {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = copyValue(v)
	}
	return out
}

// Err returns the reason the measurement is invalid, or nil.
func (m Measurement) Err() error {
	if m.schema == nil {
		return ErrNoSchema
	}
	return m.schema.Check(m.values)
}

// Valid reports whether the measurement satisfies its schema.
func (m Measurement) Valid() bool {
	return m.Err() == nil
}

// MarshalJSON encodes the values as a flat JSON object.
func (m Measurement) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.values)
}

// formatValue renders a value the way result objects and logs show it.
func formatValue(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case int:
		return strconv.Itoa(tv)
	case bool:
		return strconv.FormatBool(tv)
	case time.Time:
		return tv.Format(time.RFC3339)
	default:
		return fmt.Sprint(tv)
	}
}
