// Package config loads the process configuration from the environment,
// optionally seeded from a .env file. Command-line flags are applied on
// top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/soilgrids/awc/catalog"
	"github.com/soilgrids/awc/internal/validate"
	"github.com/soilgrids/awc/raster"
)

// EnvFileVar names a .env file to load before parsing the environment.
const EnvFileVar = "AWC_ENV_FILE"

// CacheDirName is the directory created under the user cache dir.
const CacheDirName = "isric-awc"

// DefaultStallTimeout replaces a zero StallTimeout.
const DefaultStallTimeout = time.Minute

type Config struct {
	CacheDir string `env:"AWC_CACHE_DIR"`
	// Catalog is a catalog file; when empty Dataset selects a built-in one.
	Catalog string `env:"AWC_CATALOG"`
	Dataset string `env:"AWC_DATASET" envDefault:"awch1" validate:"omitempty,oneof=awch1 wwp"`

	TileSize     int    `env:"AWC_TILE_SIZE" envDefault:"256" validate:"gte=16"`
	Compression  string `env:"AWC_COMPRESSION" envDefault:"deflate" validate:"oneof=none deflate zstd"`
	Predictor    int    `env:"AWC_PREDICTOR" envDefault:"1" validate:"oneof=1 2 3"`
	CodecThreads int    `env:"AWC_CODEC_THREADS" envDefault:"4" validate:"gte=1"`
	BigTIFF      bool   `env:"AWC_BIGTIFF" envDefault:"true"`

	MaxRetries int           `env:"AWC_MAX_RETRIES" envDefault:"10" validate:"gte=0"`
	Timeout    time.Duration `env:"AWC_TIMEOUT" envDefault:"0s" validate:"gte=0"`
	// StallTimeout abandons and resumes a download that receives nothing
	// for this long. Zero means DefaultStallTimeout.
	StallTimeout time.Duration `env:"AWC_STALL_TIMEOUT" envDefault:"1m" validate:"gte=0"`
	RPS          int           `env:"AWC_RPS" envDefault:"0" validate:"gte=0"`
	Bandwidth    int64         `env:"AWC_BANDWIDTH" envDefault:"0" validate:"gte=0"`
	Progress     bool          `env:"AWC_PROGRESS"`

	LogLevel  string `env:"AWC_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"AWC_LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
}

// Load reads the .env file named by AWC_ENV_FILE, if any, and parses the
// environment. Variables already set win over the file.
func Load() (Config, error) {
	if path := os.Getenv(EnvFileVar); path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("loading env file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	return cfg, nil
}

// Finalize normalises the configuration, fills the default cache directory
// and validates the result.
func (c *Config) Finalize() error {
	c.Compression = strings.ToLower(c.Compression)
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
	c.Dataset = strings.ToLower(c.Dataset)

	if c.CacheDir == "" {
		dir, err := DefaultCacheDir()
		if err != nil {
			return err
		}
		c.CacheDir = dir
	}

	if c.StallTimeout == 0 {
		c.StallTimeout = DefaultStallTimeout
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if c.Catalog == "" && c.Dataset == "" {
		return validate.NewFieldsError("AWC_DATASET", errors.New("AWC_DATASET or AWC_CATALOG is required"))
	}

	if c.TileSize%16 != 0 {
		return validate.NewFieldsError("AWC_TILE_SIZE", errors.New("AWC_TILE_SIZE must be a multiple of 16"))
	}

	return nil
}

// DefaultCacheDir is CacheDirName under the user cache directory.
func DefaultCacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving user cache dir: %w", err)
	}
	return filepath.Join(dir, CacheDirName), nil
}

// LoadCatalog returns the catalog file when set, else the built-in
// dataset.
func (c *Config) LoadCatalog() (catalog.Catalog, error) {
	if c.Catalog != "" {
		return catalog.Load(c.Catalog)
	}
	return catalog.Builtin(c.Dataset)
}

// CreateOptions converts the output settings.
func (c *Config) CreateOptions() (raster.CreateOptions, error) {
	comp, err := raster.ParseCompression(c.Compression)
	if err != nil {
		return raster.CreateOptions{}, err
	}

	opts := raster.CreateOptions{
		TileSize:     c.TileSize,
		Compression:  comp,
		Predictor:    c.Predictor,
		CodecThreads: c.CodecThreads,
		BigTIFF:      c.BigTIFF,
	}
	if err := opts.Validate(); err != nil {
		return raster.CreateOptions{}, err
	}

	return opts, nil
}
