package session

import (
	"context"
	"maps"
)

// Result keys added to every result.
const (
	ResultBarcode             = "barcode"
	ResultVerificationBarcode = "verification_barcode"
)

// Result is the flat, serializable outcome of a session.
type Result map[string]any

// ResultSink receives the result of a session.
type ResultSink interface {
	WriteResult(ctx context.Context, r Result) error
}

// ResultSinkFunc adapts a function to a ResultSink.
type ResultSinkFunc func(ctx context.Context, r Result) error

// WriteResult calls f(ctx, r).
func (f ResultSinkFunc) WriteResult(ctx context.Context, r Result) error { return f(ctx, r) }

// buildResult merges device data, test values and the barcodes. Test
// values win over device data with the same key.
func buildResult(device, test map[string]any, barcode, verification string) Result {
	r := make(Result, len(device)+len(test)+2)
	maps.Copy(r, device)
	maps.Copy(r, test)
	r[ResultBarcode] = barcode
	r[ResultVerificationBarcode] = verification
	return r
}
