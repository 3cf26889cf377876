// Package model implements the measurement data model shared by every
// instrument.
//
// # Hierarchy
//
//	Test > Measurement > value
//
// A Measurement is an immutable set of named values (weight, units,
// hearing thresholds, spirometry indices) checked against a Schema when it
// is built. A Test collects measurements into the slots of a Layout and
// renders them as the result object written at the end of a session.
//
// # Validation
//
// A Schema lists required keys plus Rules (NonEmpty, Range, OneOf,
// NonZeroTime). Failures are joined and reported by Measurement.Err; an
// invalid measurement is still kept so the operator can see it.
//
// # Inputs
//
// Participant inputs arrive as a loosely typed map. ParseInputs normalizes
// the keys with CanonicalKey and checks the keys an instrument requires,
// under a strict or lenient KeyPolicy.
package model
