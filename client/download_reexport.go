package client

import (
	"time"

	"github.com/soilgrids/awc/client/download"
	"github.com/soilgrids/awc/integrity"
)

// ————————————————————————————————————————————————————————————————————
// Type aliases – re-export user-facing types from [download].
// ————————————————————————————————————————————————————————————————————

type (
	// DownloadOption configures [Client.Download].
	DownloadOption = download.Option

	// DownloadError wraps a sentinel error with additional detail.
	DownloadError = download.Error

	// RetryPolicy bounds how long a stalled transfer is retried.
	RetryPolicy = download.RetryPolicy
)

// ————————————————————————————————————————————————————————————————————
// Sentinel errors
// ————————————————————————————————————————————————————————————————————

var (
	// ErrContentLengthMismatch indicates the byte count did not match the remote size.
	ErrContentLengthMismatch = download.ErrContentLengthMismatch

	// ErrChecksumMismatch indicates the file checksum did not match the expected value.
	ErrChecksumMismatch = download.ErrChecksumMismatch

	// ErrDownloadCancelled indicates the download was cancelled via context.
	ErrDownloadCancelled = download.ErrDownloadCancelled

	// ErrRetriesExhausted indicates the transfer stalled beyond the retry policy.
	ErrRetriesExhausted = download.ErrRetriesExhausted

	// ErrStalled indicates an attempt received no data within the stall timeout.
	ErrStalled = download.ErrStalled
)

// ————————————————————————————————————————————————————————————————————
// Download option forwarding functions
// ————————————————————————————————————————————————————————————————————

// WithChecksum enables checksum validation of the downloaded file.
// expected is the hex-encoded digest under alg.
func WithChecksum(alg integrity.Algorithm, expected string) DownloadOption {
	return download.WithChecksum(alg, expected)
}

// WithProgress enables periodic download progress logging.
func WithProgress() DownloadOption { return download.WithProgress() }

// WithProgressBar renders a progress bar on stderr.
func WithProgressBar() DownloadOption { return download.WithProgressBar() }

// WithRetry replaces the default retry policy.
func WithRetry(policy RetryPolicy) DownloadOption { return download.WithRetry(policy) }

// WithStallTimeout abandons and resumes an attempt that receives no data for d.
func WithStallTimeout(d time.Duration) DownloadOption { return download.WithStallTimeout(d) }

// DefaultRetryPolicy is the policy used when none is given.
func DefaultRetryPolicy() RetryPolicy { return download.DefaultRetryPolicy() }
