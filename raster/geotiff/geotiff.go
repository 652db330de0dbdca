// Package geotiff is a raster.Backend for single-band GeoTIFF and BigTIFF
// files.
//
// Sources may be stripped or tiled, uncompressed or LZW, DEFLATE or ZSTD
// compressed, with any of the three TIFF predictors. Sinks are always
// tiled and little-endian; georeferencing tags and GDAL_NODATA are
// written from the supplied metadata.
package geotiff

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/soilgrids/awc/raster"
)

// DefaultCacheBytes bounds the decoded chunks kept per open source.
const DefaultCacheBytes = 64 << 20

// Backend opens and creates GeoTIFF files.
type Backend struct {
	logger     *slog.Logger
	cacheBytes int
}

var _ raster.Backend = (*Backend)(nil)

// Option configures a [Backend].
type Option func(*options) error

type options struct {
	logger     *slog.Logger
	cacheBytes *int
}

// WithLogger injects a custom [slog.Logger].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithCacheBytes sets the decoded-chunk cache size per source. At least
// one chunk is always cached.
func WithCacheBytes(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("cache size[%d] must not be negative", n)
		}
		o.cacheBytes = &n
		return nil
	}
}

func New(optFns ...Option) (*Backend, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying geotiff option: %w", err)
		}
	}

	b := &Backend{
		logger:     slog.Default(),
		cacheBytes: DefaultCacheBytes,
	}
	if opts.logger != nil {
		b.logger = opts.logger
	}
	if opts.cacheBytes != nil {
		b.cacheBytes = *opts.cacheBytes
	}

	return b, nil
}

func (b *Backend) Open(path string) (raster.Source, error) {
	return openSource(path, b.logger, b.cacheBytes)
}

// Create starts a tiled GeoTIFF at path. Nothing exists at path until the
// returned sink is committed.
func (b *Backend) Create(path string, meta raster.Metadata, opts raster.CreateOptions) (raster.Sink, error) {
	return createSink(path, meta, opts, b.logger)
}
