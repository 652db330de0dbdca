package raster

import (
	"fmt"
	"strings"
)

// Compression of output tiles.
type Compression int

const (
	CompressNone Compression = iota
	CompressDeflate
	CompressZSTD
	// CompressLZW is accepted on input only.
	CompressLZW
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "NONE"
	case CompressDeflate:
		return "DEFLATE"
	case CompressZSTD:
		return "ZSTD"
	case CompressLZW:
		return "LZW"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// ParseCompression accepts the GDAL creation option names.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE", "":
		return CompressNone, nil
	case "DEFLATE", "ZIP":
		return CompressDeflate, nil
	case "ZSTD":
		return CompressZSTD, nil
	case "LZW":
		return CompressLZW, nil
	}
	return 0, fmt.Errorf("%w: compression %q", ErrUnsupported, s)
}

const (
	PredictorNone          = 1
	PredictorHorizontal    = 2
	PredictorFloatingPoint = 3
)

// CreateOptions controls the physical layout of a created raster.
type CreateOptions struct {
	// TileSize is the square tile edge in pixels, a multiple of 16.
	TileSize int
	// Compression of each tile.
	Compression Compression
	// Predictor is applied before compression (1 none, 2 horizontal
	// differencing, 3 floating point).
	Predictor int
	// CodecThreads bounds concurrent tile compression.
	CodecThreads int
	// BigTIFF selects 64-bit offsets.
	BigTIFF bool
}

// DefaultCreateOptions mirrors the creation options the AWC product has
// always been written with, substituting DEFLATE for the LZW encoder.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		TileSize:     256,
		Compression:  CompressDeflate,
		Predictor:    PredictorNone,
		CodecThreads: 4,
		BigTIFF:      true,
	}
}

// Validate reports options a writer cannot honour.
func (o CreateOptions) Validate() error {
	if o.TileSize <= 0 || o.TileSize%16 != 0 {
		return fmt.Errorf("%w: tile size %d must be a positive multiple of 16", ErrUnsupported, o.TileSize)
	}

	switch o.Compression {
	case CompressNone, CompressDeflate, CompressZSTD:
	case CompressLZW:
		return fmt.Errorf("%w: LZW output, use DEFLATE or ZSTD", ErrUnsupported)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, o.Compression)
	}

	if o.Predictor < PredictorNone || o.Predictor > PredictorFloatingPoint {
		return fmt.Errorf("%w: predictor %d", ErrUnsupported, o.Predictor)
	}

	if o.CodecThreads < 1 {
		return fmt.Errorf("%w: codec threads %d", ErrUnsupported, o.CodecThreads)
	}

	return nil
}
