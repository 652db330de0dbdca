package download

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// progressWriter is an io.Writer, logging download progress at
// most once per second if enabled. Offsets include bytes that were
// already on disk when the transfer resumed.
type progressWriter struct {
	w           io.Writer
	logger      *slog.Logger
	transferred int64
	resumed     int64
	total       int64
	startTime   time.Time
	lastLog     time.Time
}

func newProgressWriter(w io.Writer, logger *slog.Logger, offset, total int64) *progressWriter {
	now := time.Now()
	return &progressWriter{
		w:           w,
		logger:      logger,
		transferred: offset,
		resumed:     offset,
		total:       total,
		startTime:   now,
		lastLog:     now,
	}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.transferred += int64(n)

	if time.Since(pw.lastLog) >= time.Second {
		pw.lastLog = time.Now()
		pw.log("downloading")
	}

	if pw.total >= 0 && pw.transferred == pw.total {
		pw.log("download complete")
	}

	return n, err
}

func (pw *progressWriter) log(msg string) {
	elapsed := time.Since(pw.startTime)
	attrs := []any{
		"elapsed", elapsed.Round(time.Millisecond),
		"transferred", pw.transferred,
		"total", pw.total,
	}
	if pw.total > 0 {
		attrs = append(attrs, "progress", fmt.Sprintf("%.1f%%", float64(pw.transferred)/float64(pw.total)*100))
	}
	if secs := elapsed.Seconds(); secs > 0 {
		attrs = append(attrs, "mbps", fmt.Sprintf("%.2f", float64(pw.transferred-pw.resumed)/secs/(1024*1024)))
	}
	pw.logger.Info(msg, attrs...)
}

// newBar renders transfer progress on stderr. A total of UnknownSize
// produces a spinner.
func newBar(name string, offset, total int64) *progressbar.ProgressBar {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	if offset > 0 {
		_ = bar.Set64(offset)
	}
	return bar
}
