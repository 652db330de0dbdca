package download

import (
	"errors"
	"fmt"
	"time"

	"github.com/soilgrids/awc/integrity"
)

// Option defines optional settings for fetching files.
// WithChecksum enables checksum validation of the completed file.
//
// WithProgress enables periodic progress logging via the logger
// supplied to Fetch.
//
// WithProgressBar renders a terminal progress bar on stderr.
//
// WithRetry replaces the default bounded retry policy.
//
// WithStallTimeout sets how long an attempt may go without receiving a
// byte before it is abandoned and resumed.
type Option func(*options) error

type options struct {
	checksum     *checksumVerifier
	progress     bool
	progressBar  bool
	retry        RetryPolicy
	stallTimeout time.Duration
}

// DefaultStallTimeout is the idle time after which an attempt is abandoned.
const DefaultStallTimeout = time.Minute

func defaultOptions() options {
	return options{retry: DefaultRetryPolicy(), stallTimeout: DefaultStallTimeout}
}

func WithChecksum(alg integrity.Algorithm, expected string) Option {
	return func(opts *options) error {
		if alg == (integrity.Algorithm{}) {
			return errors.New("checksum algorithm must not be empty")
		}

		if expected == "" {
			return errors.New("expected checksum must not be empty")
		}

		opts.checksum = &checksumVerifier{alg: alg, expected: expected}
		return nil
	}
}

func WithProgress() Option {
	return func(opts *options) error {
		opts.progress = true
		return nil
	}
}

func WithProgressBar() Option {
	return func(opts *options) error {
		opts.progressBar = true
		return nil
	}
}

func WithRetry(policy RetryPolicy) Option {
	return func(opts *options) error {
		if policy.MaxRetries < 0 {
			return fmt.Errorf("max retries[%d] must not be negative", policy.MaxRetries)
		}
		if policy.InitialInterval < 0 || policy.MaxInterval < 0 || policy.MaxElapsedTime < 0 {
			return errors.New("retry intervals must not be negative")
		}
		if policy.MaxInterval > 0 && policy.InitialInterval > policy.MaxInterval {
			return fmt.Errorf("initial interval[%s] exceeds max interval[%s]", policy.InitialInterval, policy.MaxInterval)
		}

		opts.retry = policy.withDefaults()
		return nil
	}
}

func WithStallTimeout(d time.Duration) Option {
	return func(opts *options) error {
		if d <= 0 {
			return fmt.Errorf("stall timeout[%s] must be positive", d)
		}

		opts.stallTimeout = d
		return nil
	}
}

// RetryPolicy bounds how long a stalled transfer is retried. Counters
// reset whenever an attempt makes progress, so a slow but moving
// transfer is never abandoned while a dead one fails after MaxRetries.
type RetryPolicy struct {
	// MaxRetries is the number of consecutive attempts without progress.
	MaxRetries int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration
	// MaxElapsedTime caps time spent without progress; 0 disables it.
	MaxElapsedTime time.Duration
}

// DefaultRetryPolicy retries a stalled transfer ten times, backing off
// from one second up to one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      10,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		MaxElapsedTime:  30 * time.Minute,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval == 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = max(def.MaxInterval, p.InitialInterval)
	}
	return p
}
