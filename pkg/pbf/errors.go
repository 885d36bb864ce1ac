package pbf

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedCompression is returned for blobs compressed with lzma or bzip2.
	ErrUnsupportedCompression = errors.New("unsupported blob compression")
	// ErrUnsupportedFeature is returned when the header requires a feature this decoder lacks.
	ErrUnsupportedFeature = errors.New("unsupported required feature")
	// ErrBlobTooLarge is returned when a header or blob exceeds the format limits.
	ErrBlobTooLarge = errors.New("blob exceeds size limit")
	// ErrMissingHeader is returned when a data block appears before the OSMHeader
	// block, or the stream ends without one.
	ErrMissingHeader = errors.New("missing OSMHeader block")
	// ErrMalformed is returned for structurally invalid blocks.
	ErrMalformed = errors.New("malformed block")
)

// DecodeError reports a block that failed structural or compression validation.
// A DecodeError is fatal for the build that triggered it.
//
// The original underlying error can be accessed via errors.Unwrap.
type DecodeError struct {
	Offset int64 // byte offset of the block framing in the extract
	Block  int   // zero-based block number
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pbf: block %d at offset %d: %v", e.Block, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
