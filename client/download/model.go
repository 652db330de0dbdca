package download

import (
	"context"
	"io"
)

// PartSuffix is appended to the destination path while a transfer is in
// progress.
const PartSuffix = ".part"

// UnknownSize marks a resource whose length the server did not report.
const UnknownSize int64 = -1

// Source issues the requests needed by the resumable loop.
type Source interface {
	// Probe reports the resource size without transferring the body.
	Probe(ctx context.Context, url string) (Probe, error)

	// Open starts streaming the resource from offset. Implementations
	// return an error wrapping ErrRangeNotSatisfiable when offset is at
	// or past the end of the resource.
	Open(ctx context.Context, url string, offset int64) (*Response, error)
}

// Probe describes a remote resource.
type Probe struct {
	// Size in bytes, or UnknownSize.
	Size int64
	// AcceptRanges is true when the server advertised byte ranges.
	AcceptRanges bool
}

// Response is an opened body positioned at Offset.
type Response struct {
	Body io.ReadCloser
	// Offset of the first byte in Body. It is 0 when the server ignored a
	// range request and sent the whole resource.
	Offset int64
	// Size of the whole resource, or UnknownSize.
	Size int64
}

// retryable is implemented by errors that know whether repeating the
// request can succeed, such as HTTP status errors.
type retryable interface {
	Retryable() bool
}
