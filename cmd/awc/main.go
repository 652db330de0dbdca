// Command awc downloads the SoilGrids water-retention layers and writes
// the plant-available water capacity raster.
//
//	awc [flags] <output.tif>
//
// Every flag has an AWC_* environment counterpart; a .env file named by
// AWC_ENV_FILE is read first.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soilgrids/awc/catalog"
	"github.com/soilgrids/awc/client"
	"github.com/soilgrids/awc/internal/config"
	"github.com/soilgrids/awc/internal/logging"
	"github.com/soilgrids/awc/pipeline"
)

const userAgent = "soilgrids-awc/1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// newRootCmd binds flags over cfg, so the environment supplies defaults
// and flags win.
func newRootCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "awc [flags] <output.tif>",
		Short: "Derive plant-available water capacity from SoilGrids layers",
		Long: `Fetches the layers of a catalog into a local cache, resuming
interrupted or stalled transfers and verifying every digest, then
integrates them over depth into a single Float32 GeoTIFF.

Cached layers are re-verified on each run. A cached layer that fails
verification stops the run; delete it and run again.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "layer cache directory (default: user cache dir/"+config.CacheDirName+")")
	f.StringVar(&cfg.Catalog, "catalog", cfg.Catalog, "catalog file (YAML or JSON); overrides --dataset")
	f.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "built-in catalog: "+strings.Join(catalog.Names(), ", "))
	f.IntVar(&cfg.TileSize, "tile-size", cfg.TileSize, "output tile size in pixels, a multiple of 16")
	f.StringVar(&cfg.Compression, "compression", cfg.Compression, "output compression: none, deflate, zstd")
	f.IntVar(&cfg.Predictor, "predictor", cfg.Predictor, "TIFF predictor: 1 none, 2 horizontal, 3 floating point")
	f.IntVar(&cfg.CodecThreads, "codec-threads", cfg.CodecThreads, "tiles compressed concurrently")
	f.BoolVar(&cfg.BigTIFF, "bigtiff", cfg.BigTIFF, "write BigTIFF (64-bit offsets)")
	f.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "download attempts without progress before giving up")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "deadline for the whole run, 0 for none")
	f.DurationVar(&cfg.StallTimeout, "stall-timeout", cfg.StallTimeout, "resume a download after this long without data")
	f.IntVar(&cfg.RPS, "rps", cfg.RPS, "HTTP requests per second, 0 for unlimited")
	f.Int64Var(&cfg.Bandwidth, "bandwidth", cfg.Bandwidth, "download bytes per second, 0 for unlimited")
	f.BoolVar(&cfg.Progress, "progress", cfg.Progress, "draw progress bars on stderr")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, output string, stdout, stderr io.Writer) error {
	if err := cfg.Finalize(); err != nil {
		return err
	}

	logger, runID, err := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	cat, err := cfg.LoadCatalog()
	if err != nil {
		return err
	}

	opts, err := cfg.CreateOptions()
	if err != nil {
		return err
	}

	clientOpts := []client.Option{
		client.WithLogger(logger),
		client.WithUserAgent(userAgent),
		client.WithBandwidthLimit(cfg.Bandwidth),
	}
	if cfg.RPS > 0 {
		clientOpts = append(clientOpts, client.WithThrottle(cfg.RPS, cfg.RPS))
	}

	c, err := client.Build(clientOpts...)
	if err != nil {
		return err
	}

	retry := client.DefaultRetryPolicy()
	retry.MaxRetries = cfg.MaxRetries

	logger.Info("starting", "catalog", cat.Name, "layers", len(cat.Layers), "cache_dir", cfg.CacheDir, "output", output)

	res, err := pipeline.Run(ctx, pipeline.Config{
		CacheDir:      cfg.CacheDir,
		Catalog:       cat,
		Output:        output,
		CreateOptions: opts,
		Timeout:       cfg.Timeout,
		Retry:         &retry,
		StallTimeout:  cfg.StallTimeout,
		Progress:      cfg.Progress,
		Downloader:    c,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	fmt.Fprintf(stdout, "%s: %d valid pixels, %d nodata, mean %.4f (%d layers fetched)\n",
		res.Output, res.Stats.Valid, res.Stats.Nodata, res.Stats.Mean(), res.Downloaded)

	return nil
}
