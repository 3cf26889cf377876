// Package session drives one instrument through a test session.
//
// A Controller owns the session lifecycle:
//
//	Idle → Scanning → AwaitingSelection → Connecting → Ready → Measuring → AwaitingWrite → Finished
//
// with Failed as a side state reached on unrecoverable transport errors.
// Every transition is an Event checked against a fixed table; an event
// that is not allowed in the current state is rejected with a *StateError
// and the state does not change.
//
// # Concurrency
//
// The Controller runs a single event loop. Public operations and channel
// deliveries are executed on it one at a time, so the session, its Test and
// the outstanding command are never touched concurrently. Observers are
// called on the loop and must not call back into the Controller
// synchronously.
//
// # Barcode gate
//
// In live mode no measure command is sent before the operator has
// confirmed the participant barcode with VerifyBarcode.
package session
