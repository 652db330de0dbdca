package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/soilgrids/awc/internal/config"
	"github.com/soilgrids/awc/internal/validate"
	"github.com/soilgrids/awc/raster"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(config.EnvFileVar, "")
	t.Setenv("AWC_CACHE_DIR", "/var/cache/awc")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	exp := config.Config{
		CacheDir:     "/var/cache/awc",
		Dataset:      "awch1",
		TileSize:     256,
		Compression:  "deflate",
		Predictor:    1,
		CodecThreads: 4,
		BigTIFF:      true,
		MaxRetries:   10,
		StallTimeout: time.Minute,
		LogLevel:     "info",
		LogFormat:    "text",
	}
	if diff := cmp.Diff(exp, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	opts, err := cfg.CreateOptions()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(raster.DefaultCreateOptions(), opts); diff != "" {
		t.Errorf("create options mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awc.env")
	content := "AWC_COMPRESSION=ZSTD\nAWC_TIMEOUT=90m\nAWC_STALL_TIMEOUT=45s\nAWC_BANDWIDTH=1048576\nAWC_DATASET=wwp\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(config.EnvFileVar, path)
	t.Setenv("AWC_CACHE_DIR", t.TempDir())
	// Set explicitly so the file cannot override it.
	t.Setenv("AWC_DATASET", "awch1")
	for _, k := range []string{"AWC_COMPRESSION", "AWC_TIMEOUT", "AWC_STALL_TIMEOUT", "AWC_BANDWIDTH"} {
		unsetenv(t, k)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if cfg.Compression != "zstd" || cfg.Timeout != 90*time.Minute || cfg.StallTimeout != 45*time.Second || cfg.Bandwidth != 1<<20 {
		t.Errorf("env file not applied: %+v", cfg)
	}
	if cfg.Dataset != "awch1" {
		t.Errorf("env file overrode the environment: dataset %q", cfg.Dataset)
	}

	cat, err := cfg.LoadCatalog()
	if err != nil {
		t.Fatal(err)
	}
	if cat.Name != "awch1" {
		t.Errorf("expected awch1 catalog, got %q", cat.Name)
	}
}

func TestLoad_MissingEnvFile(t *testing.T) {
	t.Setenv(config.EnvFileVar, filepath.Join(t.TempDir(), "missing.env"))

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv(config.EnvFileVar, "")
	t.Setenv("AWC_TILE_SIZE", "large")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFinalize_Invalid(t *testing.T) {
	testCases := map[string]struct {
		mutate func(c *config.Config)
		field  string
	}{
		"compression": {
			mutate: func(c *config.Config) { c.Compression = "lzw" },
			field:  "AWC_COMPRESSION",
		},
		"predictor": {
			mutate: func(c *config.Config) { c.Predictor = 4 },
			field:  "AWC_PREDICTOR",
		},
		"tile size": {
			mutate: func(c *config.Config) { c.TileSize = 100 },
			field:  "AWC_TILE_SIZE",
		},
		"dataset": {
			mutate: func(c *config.Config) { c.Dataset = "bulk" },
			field:  "AWC_DATASET",
		},
		"no catalog": {
			mutate: func(c *config.Config) { c.Dataset = "" },
			field:  "AWC_DATASET",
		},
		"log level": {
			mutate: func(c *config.Config) { c.LogLevel = "trace" },
			field:  "AWC_LOG_LEVEL",
		},
		"negative retries": {
			mutate: func(c *config.Config) { c.MaxRetries = -1 },
			field:  "AWC_MAX_RETRIES",
		},
		"negative stall timeout": {
			mutate: func(c *config.Config) { c.StallTimeout = -time.Second },
			field:  "AWC_STALL_TIMEOUT",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Config{
				CacheDir:     t.TempDir(),
				Dataset:      "awch1",
				TileSize:     256,
				Compression:  "deflate",
				Predictor:    1,
				CodecThreads: 1,
				LogLevel:     "info",
				LogFormat:    "json",
			}
			tc.mutate(&cfg)

			fe := validate.GetFieldErrors(cfg.Finalize())
			if fe == nil {
				t.Fatal("expected FieldErrors")
			}
			if _, ok := fe.Fields()[tc.field]; !ok {
				t.Errorf("expected error on %s, got %v", tc.field, fe.Fields())
			}
		})
	}
}

func TestFinalize_DefaultCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	cfg := config.Config{Dataset: "wwp", TileSize: 16, Compression: "NONE", Predictor: 3, CodecThreads: 2, LogLevel: "DEBUG", LogFormat: "text"}
	if err := cfg.Finalize(); err != nil {
		t.Fatal(err)
	}

	exp, err := config.DefaultCacheDir()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CacheDir != exp || filepath.Base(exp) != config.CacheDirName {
		t.Errorf("expected cache dir %s, got %s", exp, cfg.CacheDir)
	}
	if cfg.Compression != "none" || cfg.LogLevel != "debug" {
		t.Errorf("values not normalised: %+v", cfg)
	}
	if cfg.StallTimeout != config.DefaultStallTimeout {
		t.Errorf("expected stall timeout %s, got %s", config.DefaultStallTimeout, cfg.StallTimeout)
	}
}

// unsetenv clears k for the duration of the test.
func unsetenv(t *testing.T, k string) {
	t.Helper()
	t.Setenv(k, "")
	if err := os.Unsetenv(k); err != nil {
		t.Fatal(err)
	}
}
