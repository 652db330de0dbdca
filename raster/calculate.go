package raster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// BlockFunc computes one output block. in holds one slice per source, each
// covering w in row-major order; out has the same length.
type BlockFunc func(w Window, in [][]float64, out []float64) error

// CalcOption configures [Calculate].
type CalcOption func(*calcOptions) error

type calcOptions struct {
	nodata     *float64
	logger     *slog.Logger
	tracer     trace.Tracer
	progress   func(done, total int)
	blockW     int
	blockH     int
	validRange *[2]float64
}

// WithExpectedNodata requires every source to declare nodata v.
func WithExpectedNodata(v float64) CalcOption {
	return func(o *calcOptions) error {
		o.nodata = &v
		return nil
	}
}

func WithLogger(logger *slog.Logger) CalcOption {
	return func(o *calcOptions) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

func WithTracer(tracer trace.Tracer) CalcOption {
	return func(o *calcOptions) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = tracer
		return nil
	}
}

// WithProgress calls fn after every written block.
func WithProgress(fn func(done, total int)) CalcOption {
	return func(o *calcOptions) error {
		o.progress = fn
		return nil
	}
}

// WithBlockSize overrides the processing window, which otherwise follows
// the sink's block layout.
func WithBlockSize(width, height int) CalcOption {
	return func(o *calcOptions) error {
		if width <= 0 || height <= 0 {
			return fmt.Errorf("block size %dx%d must be positive", width, height)
		}
		o.blockW, o.blockH = width, height
		return nil
	}
}

// WithValidRange counts valid output pixels outside [lo, hi] in
// Stats.OutOfRange.
func WithValidRange(lo, hi float64) CalcOption {
	return func(o *calcOptions) error {
		if lo > hi {
			return fmt.Errorf("range [%g, %g] is empty", lo, hi)
		}
		o.validRange = &[2]float64{lo, hi}
		return nil
	}
}

// Stats summarises the values written to the sink.
type Stats struct {
	Blocks     int
	Pixels     int64
	Valid      int64
	Nodata     int64
	OutOfRange int64
	Min        float64
	Max        float64
	Sum        float64
}

// Mean of the valid pixels, or NaN when there are none.
func (s Stats) Mean() float64 {
	if s.Valid == 0 {
		return math.NaN()
	}
	return s.Sum / float64(s.Valid)
}

func (s *Stats) add(out []float64, meta Metadata, valid *[2]float64) {
	for _, v := range out {
		s.Pixels++
		if (meta.HasNodata && sameValue(v, meta.Nodata)) || math.IsNaN(v) {
			s.Nodata++
			continue
		}
		s.Valid++
		s.Sum += v
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
		if valid != nil && (v < valid[0] || v > valid[1]) {
			s.OutOfRange++
		}
	}
}

// Calculate applies fn to every block of an aligned source stack and
// writes the result to sink. Inputs are checked for matching shape,
// georeferencing and nodata before any block is read. The sink is
// committed only when every block was written; on any error it is
// aborted so no partial output remains.
func Calculate(ctx context.Context, sources []Source, sink Sink, fn BlockFunc, optFns ...CalcOption) (Stats, error) {
	opts := calcOptions{
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("no-op tracer"),
	}
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			_ = sink.Abort()
			return Stats{}, fmt.Errorf("applying option: %w", err)
		}
	}

	ctx, span := opts.tracer.Start(ctx, "raster.calculate", trace.WithAttributes(attribute.Int("sources", len(sources))))
	defer span.End()

	stats, err := calculate(ctx, sources, sink, fn, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "calculate failed")

		if aerr := sink.Abort(); aerr != nil {
			opts.logger.Error("aborting output", "error", aerr)
		}
		return Stats{}, err
	}

	span.SetAttributes(attribute.Int("blocks", stats.Blocks), attribute.Int64("valid", stats.Valid))

	return stats, nil
}

func calculate(ctx context.Context, sources []Source, sink Sink, fn BlockFunc, opts calcOptions) (Stats, error) {
	out := sink.Metadata()
	if err := checkStack(sources, out, opts.nodata); err != nil {
		return Stats{}, err
	}

	bw, bh := out.BlockWidth, out.BlockHeight
	if opts.blockW > 0 {
		bw, bh = opts.blockW, opts.blockH
	}
	if bw <= 0 || bh <= 0 {
		bw, bh = out.Width, out.Height
	}

	in := make([][]float64, len(sources))
	views := make([][]float64, len(sources))
	for i := range in {
		in[i] = make([]float64, bw*bh)
	}
	buf := make([]float64, bw*bh)

	total := BlockCount(out.Width, out.Height, bw, bh)
	stats := Stats{Min: math.Inf(1), Max: math.Inf(-1)}

	opts.logger.Debug("calculating", "width", out.Width, "height", out.Height, "block_width", bw, "block_height", bh, "blocks", total)

	for w := range Blocks(out.Width, out.Height, bw, bh) {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}

		n := w.Len()
		for i, src := range sources {
			views[i] = in[i][:n]
			if err := src.ReadBlock(w, views[i]); err != nil {
				return Stats{}, fmt.Errorf("reading block %s of source %d: %w", w, i, err)
			}
		}

		if err := fn(w, views, buf[:n]); err != nil {
			return Stats{}, fmt.Errorf("computing block %s: %w", w, err)
		}

		if err := sink.WriteBlock(w, buf[:n]); err != nil {
			return Stats{}, fmt.Errorf("writing block %s: %w", w, err)
		}

		stats.add(buf[:n], out, opts.validRange)
		stats.Blocks++

		if opts.progress != nil {
			opts.progress(stats.Blocks, total)
		}
	}

	if err := sink.Commit(); err != nil {
		return Stats{}, fmt.Errorf("committing output: %w", err)
	}

	if stats.Valid == 0 {
		stats.Min, stats.Max = math.NaN(), math.NaN()
	}

	return stats, nil
}

func checkStack(sources []Source, out Metadata, nodata *float64) error {
	if len(sources) == 0 {
		return &PreconditionError{Index: -1, Detail: "no sources", Err: ErrShapeMismatch}
	}

	first := sources[0].Metadata()
	for i, src := range sources {
		m := src.Metadata()

		if m.Width != first.Width || m.Height != first.Height {
			return &PreconditionError{
				Index:  i,
				Detail: fmt.Sprintf("size %dx%d, expected %dx%d", m.Width, m.Height, first.Width, first.Height),
				Err:    ErrShapeMismatch,
			}
		}

		if !m.Geo.Equal(first.Geo) {
			return &PreconditionError{Index: i, Detail: "grid differs from source 0", Err: ErrGeoMismatch}
		}

		switch {
		case nodata != nil && (!m.HasNodata || !sameValue(m.Nodata, *nodata)):
			return &PreconditionError{
				Index:  i,
				Detail: fmt.Sprintf("nodata %s, expected %g", describeNodata(m), *nodata),
				Err:    ErrNodataMismatch,
			}
		case nodata == nil && (m.HasNodata != first.HasNodata || !sameValue(m.Nodata, first.Nodata)):
			return &PreconditionError{
				Index:  i,
				Detail: fmt.Sprintf("nodata %s, source 0 has %s", describeNodata(m), describeNodata(first)),
				Err:    ErrNodataMismatch,
			}
		}
	}

	if out.Width != first.Width || out.Height != first.Height {
		return &PreconditionError{
			Index:  -1,
			Detail: fmt.Sprintf("size %dx%d, inputs are %dx%d", out.Width, out.Height, first.Width, first.Height),
			Err:    ErrShapeMismatch,
		}
	}

	return nil
}

func describeNodata(m Metadata) string {
	if !m.HasNodata {
		return "unset"
	}
	return fmt.Sprintf("%g", m.Nodata)
}

// sameValue is == with NaN equal to itself.
func sameValue(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}
