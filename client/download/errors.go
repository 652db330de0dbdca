package download

import (
	"errors"
	"fmt"

	"github.com/soilgrids/awc/integrity"
)

var (
	ErrContentLengthMismatch = errors.New("content length mismatch")
	ErrChecksumMismatch      = integrity.ErrChecksumMismatch
	ErrDownloadCancelled     = errors.New("download cancelled")
	ErrRetriesExhausted      = errors.New("download retries exhausted")
	ErrRangeNotSatisfiable   = errors.New("range not satisfiable")
	ErrStalled               = errors.New("download stalled")
)

type Error struct {
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}
