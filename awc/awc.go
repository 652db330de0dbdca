// Package awc derives plant-available water capacity from a stack of soil
// water-retention layers sampled at increasing depths.
//
// Each output pixel is the depth-weighted mean of the layer values,
// integrated with the trapezoidal rule and scaled from percent to a 0-1
// fraction. A pixel missing from any layer is missing in the output.
package awc

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/soilgrids/awc/raster"
)

const (
	// InputNodata is the sentinel of the unsigned 8-bit source layers.
	InputNodata = 255

	// OutputNodata marks missing pixels in the Float32 output.
	OutputNodata = -math.MaxFloat32
)

// ErrDepths is returned for a depth list that cannot be integrated.
var ErrDepths = errors.New("invalid depths")

// CheckDepths requires at least two strictly increasing depths.
func CheckDepths(depths []float64) error {
	if len(depths) < 2 {
		return fmt.Errorf("%w: need at least 2, got %d", ErrDepths, len(depths))
	}
	for i := 1; i < len(depths); i++ {
		if !(depths[i] > depths[i-1]) {
			return fmt.Errorf("%w: %g follows %g", ErrDepths, depths[i], depths[i-1])
		}
	}
	return nil
}

// Trapezoid computes one block. layers[i] holds the values of depth i and
// every layer has len(out) pixels. A pixel equal to nodata in any layer
// is written as outNodata.
//
// Valid pixels are
//
//	sum((d[i+1]-d[i]) * (v[i]+v[i+1])) / (d[n-1]-d[0]) / 2 / 100
func Trapezoid(depths []float64, nodata, outNodata float64, layers [][]float64, out []float64) {
	scale := 1 / (depths[len(depths)-1] - depths[0]) * 0.5 / 100

pixels:
	for p := range out {
		for _, l := range layers {
			if l[p] == nodata {
				out[p] = outNodata
				continue pixels
			}
		}

		var sum float64
		for i := 1; i < len(depths); i++ {
			sum += (depths[i] - depths[i-1]) * (layers[i-1][p] + layers[i][p])
		}
		out[p] = sum * scale
	}
}

// BlockFunc adapts [Trapezoid] to [raster.Calculate] for the given depths
// and input nodata.
func BlockFunc(depths []float64, nodata float64) raster.BlockFunc {
	return func(_ raster.Window, in [][]float64, out []float64) error {
		if len(in) != len(depths) {
			return fmt.Errorf("%w: %d layers for %d depths", ErrDepths, len(in), len(depths))
		}
		Trapezoid(depths, nodata, OutputNodata, in, out)
		return nil
	}
}

// Combine opens the layers at paths, one per entry of depths in the same
// order, and writes the AWC raster to outPath through backend. Every layer
// must declare nodata [InputNodata] and share one grid; otherwise a
// *raster.PreconditionError naming the offending file is returned and
// nothing is written. The output copies the first layer's georeferencing.
func Combine(ctx context.Context, backend raster.Backend, paths []string, depths []float64, outPath string, opts raster.CreateOptions, calcOpts ...raster.CalcOption) (raster.Stats, error) {
	if err := CheckDepths(depths); err != nil {
		return raster.Stats{}, err
	}
	if len(paths) != len(depths) {
		return raster.Stats{}, fmt.Errorf("%w: %d paths for %d depths", ErrDepths, len(paths), len(depths))
	}
	if err := opts.Validate(); err != nil {
		return raster.Stats{}, err
	}

	sources := make([]raster.Source, 0, len(paths))
	defer func() {
		for _, src := range sources {
			_ = src.Close()
		}
	}()

	for _, p := range paths {
		src, err := backend.Open(p)
		if err != nil {
			return raster.Stats{}, fmt.Errorf("opening layer: %w", err)
		}
		sources = append(sources, src)
	}

	first := sources[0].Metadata()
	meta := raster.Metadata{
		Width:     first.Width,
		Height:    first.Height,
		DataType:  raster.Float32,
		Nodata:    OutputNodata,
		HasNodata: true,
		Geo:       first.Geo,
	}

	sink, err := backend.Create(outPath, meta, opts)
	if err != nil {
		return raster.Stats{}, fmt.Errorf("creating output: %w", err)
	}

	calcOpts = append([]raster.CalcOption{
		raster.WithExpectedNodata(InputNodata),
		raster.WithValidRange(0, 1),
	}, calcOpts...)

	stats, err := raster.Calculate(ctx, sources, sink, BlockFunc(depths, InputNodata), calcOpts...)
	if err != nil {
		var pe *raster.PreconditionError
		if errors.As(err, &pe) && pe.Path == "" {
			pe.Path = outPath
			if pe.Index >= 0 && pe.Index < len(paths) {
				pe.Path = paths[pe.Index]
			}
		}
		return raster.Stats{}, err
	}

	return stats, nil
}
