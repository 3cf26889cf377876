package model

import (
	"fmt"
	"slices"

	"github.com/iancoleman/strcase"
)

// Test errors.
var (
	ErrSlotTaken          = fmt.Errorf("%w: slot already filled", ErrValidation)
	ErrTestFull           = fmt.Errorf("%w: test is at capacity", ErrValidation)
	ErrInvalidMeasurement = fmt.Errorf("%w: invalid measurement", ErrValidation)
	ErrNoSlot             = fmt.Errorf("%w: measurement has no slot", ErrValidation)
)

// Layout describes how a device's measurements fill a Test.
type Layout struct {
	// Name is the test name used in diagnostics.
	Name string

	// Capacity is the maximum number of measurements.
	Capacity int

	// Required lists slots that must be filled for the test to be complete.
	Required []string

	// MinSlots is the minimum number of filled slots for completeness.
	MinSlots int

	// Slot returns the slot identity of a measurement. An empty result is
	// rejected on append.
	Slot func(Measurement) string

	// PrefixKeys prefixes result keys with the slot name. Single-slot
	// layouts leave it off so the result reads {"weight": ...}.
	PrefixKeys bool
}

// Test is the bounded, slot-keyed collection of measurements taken during
// a session. A Test is not safe for concurrent use; the session controller
// owns it.
type Test struct {
	layout Layout
	order  []string
	slots  map[string]Measurement
}

// NewTest creates an empty Test for the layout.
func NewTest(layout Layout) *Test {
	return &Test{
		layout: layout,
		slots:  make(map[string]Measurement),
	}
}

// Layout returns the test layout.
func (t *Test) Layout() Layout {
	return t.layout
}

// Append adds m to the test. The test is left unchanged when m is invalid,
// its slot is already filled, or the test is at capacity.
func (t *Test) Append(m Measurement) error {
	if err := m.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMeasurement, err)
	}
	slot := t.layout.Slot(m)
	if slot == "" {
		return ErrNoSlot
	}
	if _, ok := t.slots[slot]; ok {
		return fmt.Errorf("%w: %s", ErrSlotTaken, slot)
	}
	if len(t.order) >= t.layout.Capacity {
		return fmt.Errorf("%w: %d", ErrTestFull, t.layout.Capacity)
	}
	t.order = append(t.order, slot)
	t.slots[slot] = m
	return nil
}

// Len returns the number of filled slots.
func (t *Test) Len() int {
	return len(t.order)
}

// Slots returns the filled slot names in arrival order.
func (t *Test) Slots() []string {
	return slices.Clone(t.order)
}

// Get returns the measurement in slot.
func (t *Test) Get(slot string) (Measurement, bool) {
	m, ok := t.slots[slot]
	return m, ok
}

// Measurements returns the measurements in arrival order.
func (t *Test) Measurements() []Measurement {
	out := make([]Measurement, 0, len(t.order))
	for _, slot := range t.order {
		out = append(out, t.slots[slot])
	}
	return out
}

// Missing returns required slots that are not yet filled.
func (t *Test) Missing() []string {
	var missing []string
	for _, slot := range t.layout.Required {
		if _, ok := t.slots[slot]; !ok {
			missing = append(missing, slot)
		}
	}
	return missing
}

// Complete reports whether every required slot is filled and at least
// MinSlots slots are present.
func (t *Test) Complete() bool {
	if len(t.order) == 0 {
		return false
	}
	return len(t.Missing()) == 0 && len(t.order) >= t.layout.MinSlots
}

// Valid reports whether the test is complete and every measurement is valid.
func (t *Test) Valid() bool {
	if !t.Complete() {
		return false
	}
	for _, m := range t.slots {
		if !m.Valid() {
			return false
		}
	}
	return true
}

// Reset discards all measurements.
func (t *Test) Reset() {
	t.order = nil
	t.slots = make(map[string]Measurement)
}

// ResultObject flattens the test into a single map with canonical
// snake_case keys.
func (t *Test) ResultObject() map[string]any {
	out := make(map[string]any)
	for _, slot := range t.order {
		m := t.slots[slot]
		for _, key := range m.Keys() {
			v, _ := m.Get(key)
			out[t.resultKey(slot, key)] = v
		}
	}
	return out
}

func (t *Test) resultKey(slot, key string) string {
	name := CanonicalKey(key)
	if !t.layout.PrefixKeys {
		return name
	}
	return slot + "_" + name
}

// CanonicalKey converts a value name to its snake_case result key.
func CanonicalKey(key string) string {
	return strcase.ToSnake(key)
}
