// Package transport moves bytes between a session and an instrument.
//
// Instruments are reached through one of a small set of channel variants:
//
//   - SerialChannel: an RS-232 line carrying request/response bytes
//   - ProcessChannel: a spawned executable fed an input file, read back from an output file
//   - ExchangeChannel: a request document answered by a response document
//   - SimulatedChannel: canned responses for training and tests
//
// Every variant implements Channel. Incoming data is handed to a Receiver
// as Delivery values: raw chunks, a completion signal, or an error. An
// Assembler turns chunks back into whole frames using one of three
// termination rules (fixed terminator, whole buffer on completion, XML
// document boundary).
//
// # Errors
//
// ErrConfiguration means the channel can never work as configured (missing
// executable, missing directory, unreadable response document). ErrTransport
// and its refinements (ErrLine, ErrClosed, ErrTimeout, ErrExitStatus) are
// runtime failures; a session may retry them.
package transport
