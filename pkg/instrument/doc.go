// Package instrument holds the per-device drivers of the session core.
//
// A Driver describes one kind of instrument: the transport it is reached
// over, how its byte stream is cut into frames, the Codec translating the
// logical commands (identify, zero, measure) to and from its wire format,
// and the layout of the Test its measurements fill.
//
// Drivers are selected statically by Kind:
//
//   - weigh_scale: serial line, single-character commands, CR LF frames
//   - audiometer: serial line, ETB CR terminated frames, 16 hearing thresholds
//   - frax: a blackbox executable run once per request, whole-output frames
//   - spirometer: EMR documents exchanged through a transfer directory
//
// Codecs are pure. They take the capture time from an injected clock and
// never touch the Test.
package instrument
