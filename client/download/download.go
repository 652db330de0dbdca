package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Fetch downloads url to destPath, resuming from destPath+PartSuffix if a
// previous run left one behind. Bytes are appended to the part file as they
// arrive; dropped connections are retried under the configured
// RetryPolicy from the current on-disk offset. The part file is renamed
// to destPath only after its length and checksum check out. An attempt
// that receives nothing for the stall timeout is abandoned and resumed.
// When the size is unknown, a cleanly ended body is followed by one more
// ranged request to confirm the end.
//
// On cancellation the part file is kept so a later call resumes it. On a
// checksum mismatch the part file is kept for inspection and an error
// wrapping ErrChecksumMismatch is returned.
func Fetch(ctx context.Context, src Source, url, destPath string, logger *slog.Logger, optFns ...Option) error {
	opts := defaultOptions()
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return fmt.Errorf("applying option: %w", err)
		}
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating destination dir: %w", err)
	}

	f := fetcher{
		src:      src,
		url:      url,
		partPath: destPath + PartSuffix,
		logger:   logger,
		opts:     opts,
		size:     UnknownSize,
	}
	r := newRetrier(ctx, opts.retry)

	if err := f.probe(ctx, r); err != nil {
		return err
	}
	r.progressed()

	file, err := os.OpenFile(f.partPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening part file: %w", err)
	}
	f.file = file

	defer func() {
		if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Error("defer closing part file", "error", err)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat part file: %w", err)
	}
	f.onDisk = info.Size()

	if f.size >= 0 && f.onDisk > f.size {
		logger.Warn("part file larger than remote, restarting", "path", f.partPath, "on_disk", f.onDisk, "size", f.size)
		if err := f.truncate(); err != nil {
			return err
		}
	}

	if opts.progressBar {
		f.bar = newBar(filepath.Base(destPath), f.onDisk, f.size)
	}

	complete := f.size >= 0 && f.onDisk == f.size
	for !complete {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		logger.Info("downloading", "url", url, "path", f.partPath, "offset", f.onDisk, "size", f.size, "retries", r.retries)

		before := f.onDisk
		complete, err = f.attempt(ctx)
		if complete {
			break
		}
		if err == nil {
			// Body ended cleanly but the size is unknown: ask again at the
			// new offset until the server reports the end.
			r.progressed()
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(ctxErr)
		}
		if !isTransient(err) {
			return fmt.Errorf("downloading %s: %w", url, err)
		}
		if f.onDisk > before {
			r.progressed()
		}

		logger.Warn("download attempt failed", "url", url, "offset", f.onDisk, "retries", r.retries, "error", err)

		if !r.wait(ctx) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return cancelled(ctxErr)
			}
			return fmt.Errorf("%w: %s after %d retries: %w", ErrRetriesExhausted, url, r.retries, err)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing part file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing part file: %w", err)
	}

	if err := opts.checksum.Verify(f.partPath); err != nil {
		logger.Error("checksum mismatch, keeping part file", "path", f.partPath, "error", err)
		return err
	}

	if err := os.Rename(f.partPath, destPath); err != nil {
		return fmt.Errorf("renaming part file: %w", err)
	}

	if f.bar != nil {
		_ = f.bar.Finish()
	}

	logger.Info("download complete", "url", url, "path", destPath, "size", f.onDisk)

	return nil
}

type fetcher struct {
	src      Source
	url      string
	partPath string
	file     *os.File
	logger   *slog.Logger
	opts     options
	bar      *progressbar.ProgressBar
	size     int64
	onDisk   int64

	// confirming is set after a clean EOF of unknown length.
	confirming bool
}

func (f *fetcher) probe(ctx context.Context, r *retrier) error {
	for {
		p, err := f.src.Probe(ctx, f.url)
		if err == nil {
			f.size = p.Size
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(ctxErr)
		}
		if !isTransient(err) {
			return fmt.Errorf("probing %s: %w", f.url, err)
		}

		f.logger.Warn("probe failed", "url", f.url, "retries", r.retries, "error", err)

		if !r.wait(ctx) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return cancelled(ctxErr)
			}
			return fmt.Errorf("%w: probing %s after %d retries: %w", ErrRetriesExhausted, f.url, r.retries, err)
		}
	}
}

// attempt streams one response into the part file starting at onDisk. It
// reports whether the part file now holds the whole resource. A nil error
// with false means the body ended cleanly without a known size and the end
// still has to be confirmed.
//
// The attempt is abandoned with ErrStalled when no byte arrives for the
// stall timeout.
func (f *fetcher) attempt(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchdog := time.AfterFunc(f.opts.stallTimeout, func() { cancel(ErrStalled) })
	defer watchdog.Stop()

	n, complete, err := f.stream(ctx, watchdog)
	if err != nil && errors.Is(context.Cause(ctx), ErrStalled) {
		f.logger.Warn("download stalled", "url", f.url, "offset", f.onDisk, "idle", f.opts.stallTimeout)
		return false, &Error{
			Err:    ErrStalled,
			Detail: fmt.Sprintf("no data for %s at offset %d", f.opts.stallTimeout, f.onDisk),
		}
	}
	if err != nil || complete {
		return complete, err
	}

	if f.size < 0 {
		if n == 0 {
			return true, nil
		}
		f.confirming = true
		f.logger.Debug("body ended without length, confirming end", "url", f.url, "offset", f.onDisk)
		return false, nil
	}

	return true, nil
}

// stream copies one response body into the part file. It returns the
// bytes written and whether the resource is known to be complete.
func (f *fetcher) stream(ctx context.Context, watchdog *time.Timer) (int64, bool, error) {
	resp, err := f.src.Open(ctx, f.url, f.onDisk)
	if err != nil {
		if !errors.Is(err, ErrRangeNotSatisfiable) {
			return 0, false, err
		}
		if f.onDisk > 0 && (f.size < 0 || f.onDisk == f.size) {
			return 0, true, nil
		}
		f.logger.Warn("range rejected, restarting", "url", f.url, "offset", f.onDisk)
		if terr := f.truncate(); terr != nil {
			return 0, false, terr
		}
		return 0, false, err
	}
	defer resp.Body.Close()

	if resp.Offset != f.onDisk {
		if resp.Offset != 0 {
			return 0, false, &Error{
				Err:    ErrContentLengthMismatch,
				Detail: fmt.Sprintf("requested offset %d, server sent %d", f.onDisk, resp.Offset),
			}
		}
		if f.confirming && resp.Size < 0 {
			f.logger.Info("server ignored range, keeping body already received", "url", f.url, "size", f.onDisk)
			return 0, true, nil
		}
		f.logger.Info("server ignored range, restarting", "url", f.url, "offset", f.onDisk)
		if err := f.truncate(); err != nil {
			return 0, false, err
		}
	}
	f.confirming = false

	if resp.Size >= 0 {
		switch {
		case f.size < 0:
			f.size = resp.Size
			if f.bar != nil {
				f.bar.ChangeMax64(f.size)
			}
		case resp.Size != f.size:
			return 0, false, &Error{
				Err:    ErrContentLengthMismatch,
				Detail: fmt.Sprintf("expected %d bytes, server reports %d", f.size, resp.Size),
			}
		}
	}

	if _, err := f.file.Seek(f.onDisk, io.SeekStart); err != nil {
		return 0, false, fmt.Errorf("seeking part file: %w", err)
	}

	var w io.Writer = f.file
	if f.opts.progress {
		w = newProgressWriter(w, f.logger, f.onDisk, f.size)
	}
	if f.bar != nil {
		w = io.MultiWriter(w, f.bar)
	}

	body := &idleReader{r: &contextReader{ctx: ctx, r: resp.Body}, timer: watchdog, idle: f.opts.stallTimeout}
	n, err := io.Copy(w, body)
	f.onDisk += n
	if err != nil {
		return n, false, err
	}

	switch {
	case f.size < 0:
		return n, false, nil
	case f.onDisk < f.size:
		return n, false, fmt.Errorf("body ended at %d of %d bytes: %w", f.onDisk, f.size, io.ErrUnexpectedEOF)
	case f.onDisk > f.size:
		return n, false, &Error{
			Err:    ErrContentLengthMismatch,
			Detail: fmt.Sprintf("expected %d bytes, got %d", f.size, f.onDisk),
		}
	}

	return n, true, nil
}

func (f *fetcher) truncate() error {
	if err := f.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating part file: %w", err)
	}
	f.onDisk = 0
	if f.bar != nil {
		_ = f.bar.Set64(0)
	}
	return nil
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrDownloadCancelled, err)
}

// contextReader stops reading once ctx ends.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// idleReader pushes the stall deadline back whenever bytes arrive.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}
