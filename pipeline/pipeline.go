// Package pipeline acquires every layer of a catalog into a local cache
// and derives the AWC raster from them.
//
// Layers are fetched one at a time in depth order. A layer already in the
// cache is re-verified, never re-fetched; a cached file that no longer
// matches its digest stops the run so the operator can remove it. The
// raster is computed only once every layer is verified, and nothing is
// left at the output path when any step fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/soilgrids/awc/awc"
	"github.com/soilgrids/awc/catalog"
	"github.com/soilgrids/awc/client"
	"github.com/soilgrids/awc/integrity"
	"github.com/soilgrids/awc/raster"
	"github.com/soilgrids/awc/raster/geotiff"
)

// ErrCorruptAsset is returned when a cached layer fails verification.
var ErrCorruptAsset = errors.New("corrupt cached asset")

// Downloader fetches a URL to a local path, resuming and verifying as
// directed by opts. [client.Client] satisfies it.
type Downloader interface {
	Download(ctx context.Context, rawURL, destPath string, opts ...client.DownloadOption) error
}

// Config describes one run.
type Config struct {
	CacheDir      string
	Catalog       catalog.Catalog
	Output        string
	CreateOptions raster.CreateOptions

	// Timeout bounds the whole run; zero means no deadline.
	Timeout time.Duration
	// Retry overrides the download retry policy.
	Retry *client.RetryPolicy
	// StallTimeout overrides how long a download may receive nothing
	// before it is resumed.
	StallTimeout time.Duration
	// Progress draws progress bars on stderr.
	Progress bool

	// Downloader defaults to a [client.Client] sharing Logger and Tracer.
	Downloader Downloader
	// Backend defaults to GeoTIFF.
	Backend raster.Backend
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// LocalAsset is a verified layer in the cache.
type LocalAsset struct {
	Layer catalog.LayerSpec
	Path  string
}

// Result reports what a run did.
type Result struct {
	Assets     []LocalAsset
	Downloaded int
	Output     string
	Stats      raster.Stats
	Elapsed    time.Duration
}

// Run acquires every layer of cfg.Catalog and writes the AWC raster to
// cfg.Output.
func Run(ctx context.Context, cfg Config) (Result, error) {
	start := time.Now()

	if err := cfg.setDefaults(); err != nil {
		return Result{}, err
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ctx, span := cfg.Tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("catalog", cfg.Catalog.Name),
		attribute.String("output", cfg.Output),
	))
	defer span.End()

	res, err := run(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return Result{}, err
	}

	res.Elapsed = time.Since(start)

	cfg.Logger.Info("awc complete", "output", res.Output, "downloaded", res.Downloaded,
		"valid", res.Stats.Valid, "nodata", res.Stats.Nodata, "min", res.Stats.Min, "max", res.Stats.Max,
		"mean", res.Stats.Mean(), "elapsed", res.Elapsed.Round(time.Millisecond))

	return res, nil
}

func run(ctx context.Context, cfg Config) (Result, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating cache dir: %w", err)
	}

	res := Result{Output: cfg.Output}

	for i, layer := range cfg.Catalog.Layers {
		asset, fetched, err := acquire(ctx, cfg, layer)
		if err != nil {
			return Result{}, fmt.Errorf("layer %d (%s): %w", i, layer.DepthLabel, err)
		}
		if fetched {
			res.Downloaded++
		}
		res.Assets = append(res.Assets, asset)
	}

	paths := make([]string, len(res.Assets))
	for i, a := range res.Assets {
		paths[i] = a.Path
	}

	cfg.Logger.Info("calculating awc", "layers", len(paths), "output", cfg.Output,
		"tile_size", cfg.CreateOptions.TileSize, "compression", cfg.CreateOptions.Compression)

	calcOpts := []raster.CalcOption{
		raster.WithLogger(cfg.Logger),
		raster.WithTracer(cfg.Tracer),
	}

	var bar *progressbar.ProgressBar
	if cfg.Progress {
		calcOpts = append(calcOpts, raster.WithProgress(func(done, total int) {
			if bar == nil {
				bar = newBlockBar(os.Stderr, total)
			}
			_ = bar.Set(done)
		}))
	}

	stats, err := awc.Combine(ctx, cfg.Backend, paths, cfg.Catalog.Depths(), cfg.Output, cfg.CreateOptions, calcOpts...)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return Result{}, fmt.Errorf("calculating awc: %w", err)
	}

	if stats.OutOfRange > 0 {
		cfg.Logger.Warn("awc values outside [0, 1]", "pixels", stats.OutOfRange, "min", stats.Min, "max", stats.Max)
	}

	res.Stats = stats

	return res, nil
}

// acquire returns the verified cache entry for layer, downloading it
// when absent.
func acquire(ctx context.Context, cfg Config, layer catalog.LayerSpec) (LocalAsset, bool, error) {
	asset := LocalAsset{Layer: layer, Path: filepath.Join(cfg.CacheDir, layer.FileName())}
	alg := layer.Algorithm()

	_, err := os.Stat(asset.Path)
	switch {
	case err == nil:
		cfg.Logger.Info("verifying cached layer", "path", asset.Path, "algorithm", alg)

		if err := integrity.VerifyFile(asset.Path, alg, layer.Checksum); err != nil {
			if errors.Is(err, integrity.ErrChecksumMismatch) {
				return LocalAsset{}, false, fmt.Errorf("%w: %s, delete it and rerun: %w", ErrCorruptAsset, asset.Path, err)
			}
			return LocalAsset{}, false, err
		}
		return asset, false, nil

	case !errors.Is(err, fs.ErrNotExist):
		return LocalAsset{}, false, fmt.Errorf("checking cache: %w", err)
	}

	opts := []client.DownloadOption{
		client.WithChecksum(alg, layer.Checksum),
		client.WithProgress(),
	}
	if cfg.Retry != nil {
		opts = append(opts, client.WithRetry(*cfg.Retry))
	}
	if cfg.StallTimeout > 0 {
		opts = append(opts, client.WithStallTimeout(cfg.StallTimeout))
	}
	if cfg.Progress {
		opts = append(opts, client.WithProgressBar())
	}

	cfg.Logger.Info("fetching layer", "depth", layer.DepthLabel, "url", layer.URL, "path", asset.Path)

	if err := cfg.Downloader.Download(ctx, layer.URL, asset.Path, opts...); err != nil {
		return LocalAsset{}, false, err
	}

	return asset, true, nil
}

func (cfg *Config) setDefaults() error {
	if cfg.Output == "" {
		return errors.New("output path is required")
	}
	if cfg.CacheDir == "" {
		return errors.New("cache dir is required")
	}
	if err := awc.CheckDepths(cfg.Catalog.Depths()); err != nil {
		return fmt.Errorf("catalog %q: %w", cfg.Catalog.Name, err)
	}
	if err := cfg.CreateOptions.Validate(); err != nil {
		return err
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("no-op tracer")
	}

	if cfg.Downloader == nil {
		c, err := client.Build(client.WithLogger(cfg.Logger), client.WithTracer(cfg.Tracer))
		if err != nil {
			return err
		}
		cfg.Downloader = c
	}

	if cfg.Backend == nil {
		b, err := geotiff.New(geotiff.WithLogger(cfg.Logger))
		if err != nil {
			return err
		}
		cfg.Backend = b
	}

	return nil
}

func newBlockBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("awc"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetItsString("blocks"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
