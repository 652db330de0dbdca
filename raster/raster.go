// Package raster defines a backend-independent view of single-band
// rasters and a block-wise calculator over aligned stacks of them.
//
// Backends (see [github.com/soilgrids/awc/raster/geotiff]) open sources and
// create sinks; [Calculate] walks the sink's block grid, reads the same
// window from every source, applies a [BlockFunc] and writes the result.
package raster

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
)

var (
	ErrNodataMismatch = errors.New("nodata mismatch")
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrGeoMismatch    = errors.New("georeferencing mismatch")
	ErrWindow         = errors.New("window out of bounds")
	ErrUnsupported    = errors.New("unsupported raster option")
)

// PreconditionError reports an input stack that cannot be combined. It is
// returned before any block is processed. Index is the position of the
// offending source, or -1 for the sink.
type PreconditionError struct {
	Index  int
	Path   string
	Detail string
	Err    error
}

func (e *PreconditionError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("%v: %s: %s", e.Err, e.Path, e.Detail)
	case e.Index < 0:
		return fmt.Sprintf("%v: output: %s", e.Err, e.Detail)
	}
	return fmt.Sprintf("%v: source %d: %s", e.Err, e.Index, e.Detail)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// DataType is the sample format of a band.
type DataType int

const (
	Unknown DataType = iota
	Uint8
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

// Size in bytes of one sample.
func (d DataType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "Byte"
	case Int8:
		return "Int8"
	case Uint16:
		return "UInt16"
	case Int16:
		return "Int16"
	case Uint32:
		return "UInt32"
	case Int32:
		return "Int32"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	}
	return "Unknown"
}

// Geo carries georeferencing verbatim as GeoTIFF stores it. Backends that
// use another representation convert at the edges.
type Geo struct {
	PixelScale     []float64
	Tiepoint       []float64
	Transformation []float64
	GeoKeys        []uint16
	GeoDoubles     []float64
	GeoASCII       string
}

// Equal reports whether g and o describe the same grid and reference system.
func (g Geo) Equal(o Geo) bool {
	return slices.Equal(g.PixelScale, o.PixelScale) &&
		slices.Equal(g.Tiepoint, o.Tiepoint) &&
		slices.Equal(g.Transformation, o.Transformation) &&
		slices.Equal(g.GeoKeys, o.GeoKeys) &&
		slices.Equal(g.GeoDoubles, o.GeoDoubles) &&
		strings.TrimRight(g.GeoASCII, "|\x00") == strings.TrimRight(o.GeoASCII, "|\x00")
}

// Metadata describes a single-band raster.
type Metadata struct {
	Width       int
	Height      int
	BlockWidth  int
	BlockHeight int
	DataType    DataType
	Nodata      float64
	HasNodata   bool
	Geo         Geo
}

// Window is a rectangle of pixels, X/Y being the top-left column and row.
type Window struct {
	X, Y          int
	Width, Height int
}

// Len is the number of pixels in w.
func (w Window) Len() int { return w.Width * w.Height }

func (w Window) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", w.Width, w.Height, w.X, w.Y)
}

// Within reports whether w lies inside a width x height raster.
func (w Window) Within(width, height int) bool {
	return w.X >= 0 && w.Y >= 0 && w.Width > 0 && w.Height > 0 &&
		w.X+w.Width <= width && w.Y+w.Height <= height
}

// Blocks yields the windows of a bw x bh grid over a width x height
// raster in row-major order. Edge windows are clipped to the raster.
func Blocks(width, height, bw, bh int) iter.Seq[Window] {
	return func(yield func(Window) bool) {
		if width <= 0 || height <= 0 || bw <= 0 || bh <= 0 {
			return
		}
		for y := 0; y < height; y += bh {
			for x := 0; x < width; x += bw {
				w := Window{X: x, Y: y, Width: min(bw, width-x), Height: min(bh, height-y)}
				if !yield(w) {
					return
				}
			}
		}
	}
}

// BlockCount is the number of windows Blocks yields.
func BlockCount(width, height, bw, bh int) int {
	if width <= 0 || height <= 0 || bw <= 0 || bh <= 0 {
		return 0
	}
	return ((width + bw - 1) / bw) * ((height + bh - 1) / bh)
}

// Source is an open, read-only band.
type Source interface {
	Metadata() Metadata
	// ReadBlock fills dst (len >= w.Len()) with the samples of w in
	// row-major order.
	ReadBlock(w Window, dst []float64) error
	Close() error
}

// Sink is a band being written. Nothing is visible at the destination
// path until Commit succeeds; Abort discards everything written.
type Sink interface {
	Metadata() Metadata
	WriteBlock(w Window, src []float64) error
	Commit() error
	Abort() error
}

// Backend opens and creates rasters in one storage format.
type Backend interface {
	Open(path string) (Source, error)
	Create(path string, meta Metadata, opts CreateOptions) (Sink, error)
}
