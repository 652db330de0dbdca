package geotiff_test

import (
	"bytes"
	"compress/lzw"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/soilgrids/awc/raster"
	"github.com/soilgrids/awc/raster/geotiff"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testGeo = raster.Geo{
	PixelScale: []float64{0.0020833333333333, 0.0020833333333333, 0},
	Tiepoint:   []float64{0, 0, 0, -180, 84, 0},
	GeoKeys:    []uint16{1, 1, 0, 3, 1024, 0, 1, 2, 1025, 0, 1, 1, 2054, 0, 1, 9102},
	GeoDoubles: []float64{298.257223563, 6378137},
	GeoASCII:   "WGS 84|",
}

func newBackend(t *testing.T, opts ...geotiff.Option) *geotiff.Backend {
	t.Helper()
	opts = append([]geotiff.Option{geotiff.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	b, err := geotiff.New(opts...)
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	return b
}

func pattern(width, height int, nodata float64) []float64 {
	out := make([]float64, width*height)
	for i := range out {
		x, y := i%width, i/width
		switch {
		case (x+y)%13 == 0:
			out[i] = nodata
		default:
			out[i] = float64(x)*0.01 + float64(y)*0.37
		}
	}
	return out
}

// writeRaster writes data through a sink using windows of bw x bh.
func writeRaster(t *testing.T, b *geotiff.Backend, path string, meta raster.Metadata, opts raster.CreateOptions, data []float64, bw, bh int) {
	t.Helper()

	sink, err := b.Create(path, meta, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for w := range raster.Blocks(meta.Width, meta.Height, bw, bh) {
		block := make([]float64, w.Len())
		for row := range w.Height {
			off := (w.Y+row)*meta.Width + w.X
			copy(block[row*w.Width:], data[off:off+w.Width])
		}
		if err := sink.WriteBlock(w, block); err != nil {
			t.Fatalf("write %s: %v", w, err)
		}
	}

	if err := sink.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func readAll(t *testing.T, b *geotiff.Backend, path string, bw, bh int) (raster.Metadata, []float64) {
	t.Helper()

	src, err := b.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	meta := src.Metadata()
	out := make([]float64, meta.Width*meta.Height)
	for w := range raster.Blocks(meta.Width, meta.Height, bw, bh) {
		block := make([]float64, w.Len())
		if err := src.ReadBlock(w, block); err != nil {
			t.Fatalf("read %s: %v", w, err)
		}
		for row := range w.Height {
			copy(out[(w.Y+row)*meta.Width+w.X:], block[row*w.Width:(row+1)*w.Width])
		}
	}

	return meta, out
}

func TestRoundTrip_Float32(t *testing.T) {
	const width, height = 100, 70
	nodata := -math.MaxFloat32

	meta := raster.Metadata{
		Width: width, Height: height,
		DataType: raster.Float32, Nodata: nodata, HasNodata: true,
		Geo: testGeo,
	}
	data := pattern(width, height, nodata)

	want := make([]float64, len(data))
	for i, v := range data {
		want[i] = float64(float32(v))
	}

	for _, comp := range []raster.Compression{raster.CompressNone, raster.CompressDeflate, raster.CompressZSTD} {
		for _, predictor := range []int{raster.PredictorNone, raster.PredictorHorizontal, raster.PredictorFloatingPoint} {
			for _, big := range []bool{false, true} {
				name := fmt.Sprintf("%s/predictor=%d/bigtiff=%t", comp, predictor, big)
				t.Run(name, func(t *testing.T) {
					b := newBackend(t)
					path := filepath.Join(t.TempDir(), "out.tif")

					opts := raster.CreateOptions{
						TileSize:     32,
						Compression:  comp,
						Predictor:    predictor,
						CodecThreads: 3,
						BigTIFF:      big,
					}
					writeRaster(t, b, path, meta, opts, data, 32, 32)

					gotMeta, got := readAll(t, b, path, 17, 9)

					expMeta := meta
					expMeta.BlockWidth, expMeta.BlockHeight = 32, 32
					if diff := cmp.Diff(expMeta, gotMeta); diff != "" {
						t.Errorf("metadata mismatch (-want +got):\n%s", diff)
					}
					if !slices.Equal(want, got) {
						t.Errorf("pixel data mismatch")
					}
				})
			}
		}
	}
}

func TestRoundTrip_IntegerTypes(t *testing.T) {
	const width, height = 40, 33

	testCases := map[string]struct {
		dt     raster.DataType
		nodata float64
		value  func(i int) float64
	}{
		"uint8":  {dt: raster.Uint8, nodata: 255, value: func(i int) float64 { return float64(i % 200) }},
		"int16":  {dt: raster.Int16, nodata: -9999, value: func(i int) float64 { return float64(i%700 - 350) }},
		"uint32": {dt: raster.Uint32, nodata: 0, value: func(i int) float64 { return float64(i * 1000) }},
	}

	for name, tc := range testCases {
		for _, predictor := range []int{raster.PredictorNone, raster.PredictorHorizontal} {
			t.Run(fmt.Sprintf("%s/predictor=%d", name, predictor), func(t *testing.T) {
				b := newBackend(t)
				path := filepath.Join(t.TempDir(), "out.tif")

				data := make([]float64, width*height)
				for i := range data {
					data[i] = tc.value(i)
				}

				meta := raster.Metadata{Width: width, Height: height, DataType: tc.dt, Nodata: tc.nodata, HasNodata: true}
				opts := raster.DefaultCreateOptions()
				opts.TileSize = 16
				opts.Predictor = predictor

				writeRaster(t, b, path, meta, opts, data, width, height)

				gotMeta, got := readAll(t, b, path, 16, 16)
				if gotMeta.DataType != tc.dt || gotMeta.Nodata != tc.nodata {
					t.Errorf("expected %s nodata %g, got %s nodata %g", tc.dt, tc.nodata, gotMeta.DataType, gotMeta.Nodata)
				}
				if !slices.Equal(data, got) {
					t.Errorf("pixel data mismatch")
				}
			})
		}
	}
}

// TestWriteBlock_UnalignedWindows writes windows that straddle tiles.
func TestWriteBlock_UnalignedWindows(t *testing.T) {
	const width, height = 50, 45
	b := newBackend(t, geotiff.WithCacheBytes(0))
	path := filepath.Join(t.TempDir(), "out.tif")

	meta := raster.Metadata{Width: width, Height: height, DataType: raster.Float64, Nodata: -1, HasNodata: true, Geo: testGeo}
	data := pattern(width, height, -1)

	opts := raster.DefaultCreateOptions()
	opts.TileSize = 16

	writeRaster(t, b, path, meta, opts, data, 7, 11)

	_, got := readAll(t, b, path, 13, 5)
	if !slices.Equal(data, got) {
		t.Errorf("pixel data mismatch")
	}
}

func TestSink_AbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.tif")
	b := newBackend(t)

	meta := raster.Metadata{Width: 64, Height: 64, DataType: raster.Float32}
	opts := raster.DefaultCreateOptions()
	opts.TileSize = 16

	t.Run("abort", func(t *testing.T) {
		sink, err := b.Create(path, meta, opts)
		if err != nil {
			t.Fatal(err)
		}
		if err := sink.WriteBlock(raster.Window{Width: 16, Height: 16}, make([]float64, 256)); err != nil {
			t.Fatal(err)
		}
		if err := sink.Abort(); err != nil {
			t.Fatalf("abort: %v", err)
		}
	})

	t.Run("incomplete commit", func(t *testing.T) {
		sink, err := b.Create(path, meta, opts)
		if err != nil {
			t.Fatal(err)
		}
		if err := sink.WriteBlock(raster.Window{Width: 16, Height: 16}, make([]float64, 256)); err != nil {
			t.Fatal(err)
		}
		if err := sink.Commit(); !errors.Is(err, raster.ErrWindow) {
			t.Fatalf("expected ErrWindow, got %v", err)
		}
		if err := sink.Abort(); err != nil {
			t.Fatalf("abort after failed commit: %v", err)
		}
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty dir, found %d entries", len(entries))
	}
}

func TestCreate_RejectsLZW(t *testing.T) {
	opts := raster.DefaultCreateOptions()
	opts.Compression = raster.CompressLZW

	_, err := newBackend(t).Create(filepath.Join(t.TempDir(), "out.tif"), raster.Metadata{Width: 1, Height: 1, DataType: raster.Float32}, opts)
	if !errors.Is(err, raster.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestOpen_NotTIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.tif")
	if err := os.WriteFile(path, []byte("<html>not found</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := newBackend(t).Open(path)
	if !errors.Is(err, geotiff.ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}

// TestOpen_StrippedBigEndianLZW reads a hand-built Motorola-order file
// with LZW strips and a short final strip.
func TestOpen_StrippedBigEndianLZW(t *testing.T) {
	const width, height, rps = 8, 5, 2

	pixels := make([]byte, width*height)
	for i := range pixels {
		pixels[i] = byte(i * 3)
	}
	pixels[9] = 255

	var strips [][]byte
	for y := 0; y < height; y += rps {
		rows := min(rps, height-y)
		var buf bytes.Buffer
		w := lzw.NewWriter(&buf, lzw.MSB, 8)
		if _, err := w.Write(pixels[y*width : (y+rows)*width]); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		strips = append(strips, buf.Bytes())
	}

	path := filepath.Join(t.TempDir(), "strips.tif")
	if err := os.WriteFile(path, stripTIFF(width, height, rps, 5, strips, "255"), 0o644); err != nil {
		t.Fatal(err)
	}

	meta, got := readAll(t, newBackend(t), path, 3, 3)

	exp := raster.Metadata{
		Width: width, Height: height,
		BlockWidth: width, BlockHeight: rps,
		DataType: raster.Uint8, Nodata: 255, HasNodata: true,
	}
	if diff := cmp.Diff(exp, meta); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	for i, v := range got {
		if v != float64(pixels[i]) {
			t.Fatalf("pixel %d = %v, want %d", i, v, pixels[i])
		}
	}
}

// stripTIFF lays out a big-endian classic TIFF: header, IFD, strip
// offset and count arrays, then the strips.
func stripTIFF(width, height, rps, compression int, strips [][]byte, nodata string) []byte {
	be := binary.BigEndian
	n := len(strips)

	const entries = 10
	ifdLen := 2 + entries*12 + 4
	offsArr := 8 + ifdLen
	countsArr := offsArr + 4*n
	dataStart := countsArr + 4*n

	out := []byte{'M', 'M', 0, 42}
	out = be.AppendUint32(out, 8)
	out = be.AppendUint16(out, entries)

	short := func(tag, v uint16) {
		out = be.AppendUint16(out, tag)
		out = be.AppendUint16(out, 3)
		out = be.AppendUint32(out, 1)
		out = be.AppendUint16(out, v)
		out = be.AppendUint16(out, 0)
	}
	long := func(tag uint16, count, v uint32) {
		out = be.AppendUint16(out, tag)
		out = be.AppendUint16(out, 4)
		out = be.AppendUint32(out, count)
		out = be.AppendUint32(out, v)
	}

	short(256, uint16(width))
	short(257, uint16(height))
	short(258, 8)
	short(259, uint16(compression))
	short(262, 1)
	long(273, uint32(n), uint32(offsArr))
	short(277, 1)
	short(278, uint16(rps))
	long(279, uint32(n), uint32(countsArr))

	nd := append([]byte(nodata), 0)
	out = be.AppendUint16(out, 42113)
	out = be.AppendUint16(out, 2)
	out = be.AppendUint32(out, uint32(len(nd)))
	out = append(out, nd[:4]...)

	out = be.AppendUint32(out, 0)

	pos := uint32(dataStart)
	for _, s := range strips {
		out = be.AppendUint32(out, pos)
		pos += uint32(len(s))
	}
	for _, s := range strips {
		out = be.AppendUint32(out, uint32(len(s)))
	}
	for _, s := range strips {
		out = append(out, s...)
	}

	return out
}
