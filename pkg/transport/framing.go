package transport

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/CodyCooperGit/cypress/pkg/log"
)

// Framing constants.
const (
	// DefaultMaxBufferSize bounds the bytes an Assembler holds while waiting
	// for a frame boundary (1 MiB).
	DefaultMaxBufferSize = 1 << 20
)

// Framing errors.
var (
	// ErrFrameTooLarge indicates the buffered data exceeds the maximum size
	// without reaching a frame boundary.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrBadAdvance indicates a split function returned an invalid advance.
	ErrBadAdvance = errors.New("split function returned invalid advance")
)

// RawFrame is one complete unit of instrument output.
type RawFrame struct {
	// Seq is the arrival sequence number, starting at 1.
	Seq uint64

	// Data holds the frame bytes, terminator included.
	Data []byte
}

// SplitTerminator returns a split function that ends a frame after term.
// The terminator stays part of the frame. On completion the remaining
// bytes, if any, form a final frame.
func SplitTerminator(term []byte) bufio.SplitFunc {
	term = bytes.Clone(term)
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, term); i >= 0 {
			n := i + len(term)
			return n, data[:n], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// SplitWhole treats everything received until completion as one frame.
func SplitWhole(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// SplitDocument ends a frame right after the closing tag of the root XML
// element. Leading whitespace belongs to the frame; whitespace left over at
// completion is discarded. Data that never forms a complete document is
// returned whole on completion so the decoder can report it.
func SplitDocument(data []byte, atEOF bool) (int, []byte, error) {
	start := len(data) - len(bytes.TrimLeft(data, " \t\r\n"))
	if start == len(data) {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	if end, ok := documentEnd(data[start:]); ok {
		n := start + end
		return n, data[:n], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// documentEnd returns the offset just past the root element's end tag.
func documentEnd(data []byte) (int, bool) {
	d := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := d.RawToken()
		if err != nil {
			return 0, false
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth <= 0 {
				return int(d.InputOffset()), true
			}
		}
	}
}

// Assembler rebuilds frames from arbitrarily chunked input. It is not safe
// for concurrent use.
type Assembler struct {
	split   bufio.SplitFunc
	buf     []byte
	seq     uint64
	maxSize int

	// Logging support (optional)
	logger    log.Logger
	sessionID string
}

// NewAssembler creates an Assembler using split to find frame boundaries.
func NewAssembler(split bufio.SplitFunc) *Assembler {
	return &Assembler{
		split:   split,
		maxSize: DefaultMaxBufferSize,
	}
}

// SetMaxBufferSize changes the buffering limit.
func (a *Assembler) SetMaxBufferSize(n int) {
	a.maxSize = n
}

// SetLogger configures capture of assembled frames.
// Pass nil to disable logging.
func (a *Assembler) SetLogger(logger log.Logger, sessionID string) {
	a.logger = logger
	a.sessionID = sessionID
}

// Push appends p and returns every frame completed by it. Pushing zero
// bytes is a no-op.
func (a *Assembler) Push(p []byte) ([]RawFrame, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if len(a.buf)+len(p) > a.maxSize {
		size := len(a.buf) + len(p)
		a.buf = nil
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, a.maxSize)
	}
	a.buf = append(a.buf, p...)
	return a.drain(false)
}

// Complete signals the end of the current response (channel completion or
// close) and returns any frames the rule produces at that point. The
// buffer is empty afterwards.
func (a *Assembler) Complete() ([]RawFrame, error) {
	frames, err := a.drain(true)
	a.buf = nil
	return frames, err
}

// Reset discards buffered bytes. Sequence numbers keep counting.
func (a *Assembler) Reset() {
	a.buf = nil
}

// Buffered returns the number of bytes waiting for a frame boundary.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

func (a *Assembler) drain(atEOF bool) ([]RawFrame, error) {
	var frames []RawFrame
	for len(a.buf) > 0 || atEOF {
		advance, token, err := a.split(a.buf, atEOF)
		if err != nil {
			a.buf = nil
			return frames, err
		}
		if advance < 0 || advance > len(a.buf) {
			a.buf = nil
			return frames, ErrBadAdvance
		}
		if token != nil {
			frames = append(frames, a.emit(token))
		}
		if advance == 0 {
			break
		}
		a.buf = a.buf[advance:]
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return frames, nil
}

func (a *Assembler) emit(token []byte) RawFrame {
	a.seq++
	frame := RawFrame{Seq: a.seq, Data: bytes.Clone(token)}
	if a.logger != nil {
		a.logger.Log(log.Event{
			Timestamp: time.Now(),
			SessionID: a.sessionID,
			Direction: log.DirectionIn,
			Layer:     log.LayerTransport,
			Category:  log.CategoryFrame,
			Frame:     log.NewFrameEvent(frame.Seq, frame.Data),
		})
	}
	return frame
}
