package download

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retrier counts consecutive failures and sleeps between attempts.
type retrier struct {
	bo      backoff.BackOff
	retries int
}

func newRetrier(ctx context.Context, p RetryPolicy) *retrier {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = p.MaxElapsedTime
	eb.Reset()

	return &retrier{
		bo: backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx),
	}
}

// progressed resets the budget after an attempt that wrote bytes.
func (r *retrier) progressed() {
	r.bo.Reset()
	r.retries = 0
}

// wait sleeps before the next attempt. It returns false when the policy
// is exhausted or ctx ended.
func (r *retrier) wait(ctx context.Context) bool {
	d := r.bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	r.retries++

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// isTransient reports whether err may clear up on a later attempt.
// Local file system failures and client-side HTTP statuses are final;
// dropped connections, truncated bodies and server errors are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStalled) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, ErrContentLengthMismatch) {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return false
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// Anything else surfaced by the transport (resets, refused
	// connections, TLS and protocol errors) is treated as a dropped link.
	return true
}
