package geotiff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/soilgrids/awc/raster"
)

var errSinkClosed = errors.New("sink already committed or aborted")

// sink writes a tiled single-band GeoTIFF to a temporary file next to
// path. Tiles are compressed concurrently as soon as every pixel in them
// has been written; file placement is serialised. Commit writes the IFD
// and renames the file into place.
type sink struct {
	path    string
	tmpPath string
	file    *os.File
	logger  *slog.Logger
	codec   *codec
	meta    raster.Metadata
	opts    raster.CreateOptions

	tile   int
	across int
	down   int

	// pending holds tiles still being filled, keyed by tile index.
	pending map[int]*tileBuf

	g          *errgroup.Group
	mu         sync.Mutex
	pos        uint64
	offsets    []uint64
	byteCounts []uint64
	written    []bool
	encodeErr  error
	closed     bool
}

type tileBuf struct {
	data   []float64
	filled int
	want   int
}

func createSink(path string, meta raster.Metadata, opts raster.CreateOptions, logger *slog.Logger) (*sink, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("%w: output size %dx%d", raster.ErrShapeMismatch, meta.Width, meta.Height)
	}
	if meta.DataType.Size() == 0 {
		return nil, fmt.Errorf("%w: data type %s", ErrUnsupported, meta.DataType)
	}

	tmpPath := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp raster: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}

	meta.BlockWidth, meta.BlockHeight = opts.TileSize, opts.TileSize

	s := &sink{
		path:    path,
		tmpPath: tmpPath,
		file:    f,
		logger:  logger,
		codec:   c,
		meta:    meta,
		opts:    opts,
		tile:    opts.TileSize,
		across:  (meta.Width + opts.TileSize - 1) / opts.TileSize,
		down:    (meta.Height + opts.TileSize - 1) / opts.TileSize,
		pending: make(map[int]*tileBuf),
		g:       new(errgroup.Group),
	}
	s.g.SetLimit(opts.CodecThreads)

	n := s.across * s.down
	s.offsets = make([]uint64, n)
	s.byteCounts = make([]uint64, n)
	s.written = make([]bool, n)

	// Reserve the header; it is patched with the IFD offset on Commit.
	s.pos = 8
	if opts.BigTIFF {
		s.pos = 16
	}
	if _, err := f.Write(make([]byte, s.pos)); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("writing header: %w", err)
	}

	logger.Debug("creating raster", "path", path, "tmp", tmpPath, "width", meta.Width, "height", meta.Height,
		"type", meta.DataType, "tile", opts.TileSize, "compression", opts.Compression, "predictor", opts.Predictor,
		"bigtiff", opts.BigTIFF)

	return s, nil
}

func (s *sink) Metadata() raster.Metadata { return s.meta }

func (s *sink) WriteBlock(w raster.Window, src []float64) error {
	if s.closed {
		return errSinkClosed
	}
	if err := s.failed(); err != nil {
		return err
	}
	if !w.Within(s.meta.Width, s.meta.Height) {
		return fmt.Errorf("%w: %s", raster.ErrWindow, w)
	}
	if len(src) < w.Len() {
		return fmt.Errorf("%w: buffer of %d for %s", raster.ErrWindow, len(src), w)
	}

	for tr := w.Y / s.tile; tr <= (w.Y+w.Height-1)/s.tile; tr++ {
		for tc := w.X / s.tile; tc <= (w.X+w.Width-1)/s.tile; tc++ {
			idx := tr*s.across + tc
			if s.written[idx] {
				return fmt.Errorf("%w: tile %d written twice", raster.ErrWindow, idx)
			}

			tb := s.pending[idx]
			if tb == nil {
				tb = s.newTile(tr, tc)
				s.pending[idx] = tb
			}

			x0, y0 := tc*s.tile, tr*s.tile
			ix0, ix1 := max(w.X, x0), min(w.X+w.Width, x0+s.tile)
			iy0, iy1 := max(w.Y, y0), min(w.Y+w.Height, y0+s.tile)

			for y := iy0; y < iy1; y++ {
				copy(tb.data[(y-y0)*s.tile+(ix0-x0):(y-y0)*s.tile+(ix1-x0)], src[(y-w.Y)*w.Width+(ix0-w.X):])
			}
			tb.filled += (ix1 - ix0) * (iy1 - iy0)

			if tb.filled >= tb.want {
				delete(s.pending, idx)
				s.written[idx] = true
				s.encode(idx, tb.data)
			}
		}
	}

	return nil
}

// newTile allocates a tile prefilled with nodata so the padding beyond
// the raster edge carries nodata.
func (s *sink) newTile(tr, tc int) *tileBuf {
	data := make([]float64, s.tile*s.tile)
	if s.meta.HasNodata {
		for i := range data {
			data[i] = s.meta.Nodata
		}
	}

	w := min(s.tile, s.meta.Width-tc*s.tile)
	h := min(s.tile, s.meta.Height-tr*s.tile)

	return &tileBuf{data: data, want: w * h}
}

func (s *sink) encode(idx int, data []float64) {
	s.g.Go(func() error {
		bps := s.meta.DataType.Size()
		buf := make([]byte, len(data)*bps)
		for i, v := range data {
			putSample(s.meta.DataType, buf[i*bps:], v)
		}

		applyPredictor(s.opts.Predictor, buf, s.tile, bps)

		out, err := s.codec.compress(s.opts.Compression, buf)
		if err != nil {
			s.fail(fmt.Errorf("compressing tile %d: %w", idx, err))
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.opts.BigTIFF && s.pos+uint64(len(out)) > math.MaxUint32 {
			err := fmt.Errorf("%w: output exceeds 4 GiB, enable BigTIFF", ErrUnsupported)
			s.encodeErr = errors.Join(s.encodeErr, err)
			return err
		}

		if _, err := s.file.WriteAt(out, int64(s.pos)); err != nil {
			err = fmt.Errorf("writing tile %d: %w", idx, err)
			s.encodeErr = errors.Join(s.encodeErr, err)
			return err
		}

		s.offsets[idx] = s.pos
		s.byteCounts[idx] = uint64(len(out))
		s.pos += uint64(len(out))

		return nil
	})
}

func (s *sink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encodeErr = errors.Join(s.encodeErr, err)
}

func (s *sink) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encodeErr
}

func (s *sink) Commit() error {
	if s.closed {
		return errSinkClosed
	}
	s.closed = true

	if err := s.commit(); err != nil {
		s.cleanup()
		return err
	}

	s.logger.Debug("raster committed", "path", s.path, "bytes", s.pos)

	return nil
}

func (s *sink) commit() error {
	if err := s.g.Wait(); err != nil {
		return err
	}

	if len(s.pending) > 0 {
		return fmt.Errorf("%w: %d tiles incomplete", raster.ErrWindow, len(s.pending))
	}
	for i, ok := range s.written {
		if !ok {
			return fmt.Errorf("%w: tile %d never written", raster.ErrWindow, i)
		}
	}

	ifdOffset := s.pos + s.pos%2
	ifd := encodeIFD(s.entries(), ifdOffset, s.opts.BigTIFF)
	if !s.opts.BigTIFF && ifdOffset+uint64(len(ifd)) > math.MaxUint32 {
		return fmt.Errorf("%w: output exceeds 4 GiB, enable BigTIFF", ErrUnsupported)
	}

	if _, err := s.file.WriteAt(ifd, int64(ifdOffset)); err != nil {
		return fmt.Errorf("writing ifd: %w", err)
	}

	hdr := []byte{'I', 'I'}
	le := binary.LittleEndian
	if s.opts.BigTIFF {
		hdr = le.AppendUint16(hdr, magicBig)
		hdr = le.AppendUint16(hdr, 8)
		hdr = le.AppendUint16(hdr, 0)
		hdr = le.AppendUint64(hdr, ifdOffset)
	} else {
		hdr = le.AppendUint16(hdr, magicClassic)
		hdr = le.AppendUint32(hdr, uint32(ifdOffset))
	}
	if _, err := s.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing temp raster: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing temp raster: %w", err)
	}
	s.codec.Close()

	if err := os.Rename(s.tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp raster: %w", err)
	}

	return nil
}

func (s *sink) entries() []entry {
	t := uint16(s.tile)
	bps := uint16(s.meta.DataType.Size() * 8)

	entries := []entry{
		longEntry(tagImageWidth, uint32(s.meta.Width)),
		longEntry(tagImageLength, uint32(s.meta.Height)),
		shortEntry(tagBitsPerSample, bps),
		shortEntry(tagCompression, compressionCode(s.opts.Compression)),
		shortEntry(tagPhotometric, 1),
		shortEntry(tagSamplesPerPixel, 1),
		shortEntry(tagPlanarConfig, 1),
		shortEntry(tagTileWidth, t),
		shortEntry(tagTileLength, t),
		shortEntry(tagSampleFormat, sampleFormat(s.meta.DataType)),
	}

	if s.opts.Predictor != raster.PredictorNone {
		entries = append(entries, shortEntry(tagPredictor, uint16(s.opts.Predictor)))
	}

	if s.opts.BigTIFF {
		entries = append(entries,
			long8Entry(tagTileOffsets, s.offsets...),
			long8Entry(tagTileByteCounts, s.byteCounts...),
		)
	} else {
		offs := make([]uint32, len(s.offsets))
		counts := make([]uint32, len(s.byteCounts))
		for i := range s.offsets {
			offs[i], counts[i] = uint32(s.offsets[i]), uint32(s.byteCounts[i])
		}
		entries = append(entries,
			longEntry(tagTileOffsets, offs...),
			longEntry(tagTileByteCounts, counts...),
		)
	}

	geo := s.meta.Geo
	if len(geo.PixelScale) > 0 {
		entries = append(entries, doubleEntry(tagModelPixelScale, geo.PixelScale...))
	}
	if len(geo.Tiepoint) > 0 {
		entries = append(entries, doubleEntry(tagModelTiepoint, geo.Tiepoint...))
	}
	if len(geo.Transformation) > 0 {
		entries = append(entries, doubleEntry(tagModelTransformation, geo.Transformation...))
	}
	if len(geo.GeoKeys) > 0 {
		entries = append(entries, shortEntry(tagGeoKeyDirectory, geo.GeoKeys...))
	}
	if len(geo.GeoDoubles) > 0 {
		entries = append(entries, doubleEntry(tagGeoDoubleParams, geo.GeoDoubles...))
	}
	if geo.GeoASCII != "" {
		entries = append(entries, asciiEntry(tagGeoASCIIParams, trimNUL(geo.GeoASCII)))
	}

	if s.meta.HasNodata {
		entries = append(entries, asciiEntry(tagGDALNodata, formatNodata(s.meta.Nodata)))
	}

	return entries
}

func formatNodata(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func trimNUL(s string) string {
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}

func (s *sink) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.g.Wait()
	s.cleanup()

	s.logger.Debug("raster aborted", "path", s.path)

	return nil
}

// cleanup releases the temp file; it is safe after a partial commit.
func (s *sink) cleanup() {
	if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Error("closing temp raster", "error", err)
	}
	if err := os.Remove(s.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("removing temp raster", "error", err)
	}
	s.codec.Close()
}
