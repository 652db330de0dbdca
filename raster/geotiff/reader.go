package geotiff

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/soilgrids/awc/raster"
)

// source is an open single-band GeoTIFF.
type source struct {
	path   string
	file   *os.File
	logger *slog.Logger
	codec  *codec
	meta   raster.Metadata

	order      binary.ByteOrder
	bps        int
	decode     sampleDecoder
	comp       uint64
	predictor  uint64
	tiled      bool
	chunkW     int
	chunkH     int
	across     int
	offsets    []uint64
	byteCounts []uint64

	mu    sync.Mutex
	cache chunkCache
}

func openSource(path string, logger *slog.Logger, cacheBytes int) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening raster: %w", err)
	}

	s, err := newSource(f, path, logger, cacheBytes)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return s, nil
}

func newSource(f *os.File, path string, logger *slog.Logger, cacheBytes int) (*source, error) {
	h, err := readHeader(f, path)
	if err != nil {
		return nil, err
	}

	if spp := h.uint(tagSamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("%w: %s has %d samples per pixel", ErrUnsupported, path, spp)
	}

	width := int(h.uint(tagImageWidth, 0))
	height := int(h.uint(tagImageLength, 0))
	if width <= 0 || height <= 0 {
		return nil, &FormatError{Path: path, Detail: "missing image dimensions"}
	}

	bits := h.uint(tagBitsPerSample, 1)
	dt, err := dataType(bits, h.uint(tagSampleFormat, sfUint))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s := &source{
		path:      path,
		file:      f,
		logger:    logger,
		order:     h.order,
		bps:       dt.Size(),
		decode:    decoderFor(dt, h.order),
		comp:      h.uint(tagCompression, compNone),
		predictor: h.uint(tagPredictor, raster.PredictorNone),
		cache:     chunkCache{limit: cacheBytes, items: make(map[int][]byte)},
	}

	if _, ok := h.fields[tagTileWidth]; ok {
		s.tiled = true
		s.chunkW = int(h.uint(tagTileWidth, 0))
		s.chunkH = int(h.uint(tagTileLength, 0))
		s.offsets = h.uintSlice(tagTileOffsets)
		s.byteCounts = h.uintSlice(tagTileByteCounts)
	} else {
		s.chunkW = width
		s.chunkH = int(min(h.uint(tagRowsPerStrip, uint64(height)), uint64(height)))
		s.offsets = h.uintSlice(tagStripOffsets)
		s.byteCounts = h.uintSlice(tagStripByteCounts)
	}
	if s.chunkW <= 0 || s.chunkH <= 0 {
		return nil, &FormatError{Path: path, Detail: "invalid chunk layout"}
	}
	s.across = (width + s.chunkW - 1) / s.chunkW

	chunks := s.across * ((height + s.chunkH - 1) / s.chunkH)
	if len(s.offsets) < chunks || len(s.byteCounts) < chunks {
		return nil, &FormatError{Path: path, Detail: fmt.Sprintf("%d chunk offsets for %d chunks", len(s.offsets), chunks)}
	}

	if s.cache.limit < s.chunkW*s.chunkH*s.bps {
		s.cache.limit = s.chunkW * s.chunkH * s.bps
	}

	s.meta = raster.Metadata{
		Width:       width,
		Height:      height,
		BlockWidth:  s.chunkW,
		BlockHeight: s.chunkH,
		DataType:    dt,
		Geo: raster.Geo{
			PixelScale:     h.floatSlice(tagModelPixelScale),
			Tiepoint:       h.floatSlice(tagModelTiepoint),
			Transformation: h.floatSlice(tagModelTransformation),
			GeoKeys:        h.shortSlice(tagGeoKeyDirectory),
			GeoDoubles:     h.floatSlice(tagGeoDoubleParams),
		},
	}
	if v, ok := h.ascii(tagGeoASCIIParams); ok {
		s.meta.Geo.GeoASCII = v
	}

	if v, ok := h.ascii(tagGDALNodata); ok {
		nd, err := parseNodata(v, dt)
		if err != nil {
			return nil, &FormatError{Path: path, Detail: err.Error()}
		}
		s.meta.Nodata, s.meta.HasNodata = nd, true
	}

	s.codec, err = newCodec()
	if err != nil {
		return nil, err
	}

	logger.Debug("opened raster", "path", path, "width", width, "height", height, "type", dt,
		"chunk_width", s.chunkW, "chunk_height", s.chunkH, "compression", s.comp, "predictor", s.predictor, "bigtiff", h.big)

	return s, nil
}

// parseNodata reads the GDAL_NODATA string, rounding to the sample type
// so it compares equal to decoded pixels.
func parseNodata(v string, dt raster.DataType) (float64, error) {
	v = strings.TrimSpace(strings.TrimRight(v, "\x00"))

	nd, err := strconv.ParseFloat(v, 64)
	if err != nil {
		switch strings.ToLower(v) {
		case "nan":
			return math.NaN(), nil
		case "inf":
			return math.Inf(1), nil
		case "-inf":
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("nodata %q: %w", v, err)
	}

	if dt == raster.Float32 {
		nd = float64(float32(nd))
	}
	return nd, nil
}

func (s *source) Metadata() raster.Metadata { return s.meta }

func (s *source) ReadBlock(w raster.Window, dst []float64) error {
	if !w.Within(s.meta.Width, s.meta.Height) {
		return fmt.Errorf("%w: %s in %s", raster.ErrWindow, w, s.path)
	}
	if len(dst) < w.Len() {
		return fmt.Errorf("%w: buffer of %d for %s", raster.ErrWindow, len(dst), w)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	firstCol, lastCol := w.X/s.chunkW, (w.X+w.Width-1)/s.chunkW
	firstRow, lastRow := w.Y/s.chunkH, (w.Y+w.Height-1)/s.chunkH

	for cr := firstRow; cr <= lastRow; cr++ {
		for cc := firstCol; cc <= lastCol; cc++ {
			chunk, err := s.chunk(cr*s.across + cc)
			if err != nil {
				return err
			}

			x0, y0 := cc*s.chunkW, cr*s.chunkH
			ix0, ix1 := max(w.X, x0), min(w.X+w.Width, x0+s.chunkW)
			iy0, iy1 := max(w.Y, y0), min(w.Y+w.Height, y0+s.chunkH)

			for y := iy0; y < iy1; y++ {
				out := dst[(y-w.Y)*w.Width:]
				if chunk == nil {
					fill := 0.0
					if s.meta.HasNodata {
						fill = s.meta.Nodata
					}
					for x := ix0; x < ix1; x++ {
						out[x-w.X] = fill
					}
					continue
				}

				in := chunk[((y-y0)*s.chunkW)*s.bps:]
				for x := ix0; x < ix1; x++ {
					out[x-w.X] = s.decode(in[(x-x0)*s.bps:])
				}
			}
		}
	}

	return nil
}

// chunk returns the decoded bytes of chunk i, or nil for a sparse chunk.
func (s *source) chunk(i int) ([]byte, error) {
	if b, ok := s.cache.get(i); ok {
		return b, nil
	}

	off, n := s.offsets[i], s.byteCounts[i]
	if off == 0 && n == 0 {
		return nil, nil
	}

	raw := make([]byte, n)
	if _, err := s.file.ReadAt(raw, int64(off)); err != nil {
		return nil, fmt.Errorf("reading chunk %d of %s: %w", i, s.path, err)
	}

	size := s.chunkW * s.chunkH * s.bps
	if !s.tiled {
		// The last strip may be short.
		rows := min(s.chunkH, s.meta.Height-(i/s.across)*s.chunkH)
		size = s.chunkW * rows * s.bps
	}

	b, err := s.codec.decompress(s.comp, raw, size)
	if err != nil {
		return nil, fmt.Errorf("decoding chunk %d of %s: %w", i, s.path, err)
	}

	if err := undoPredictor(s.predictor, b, s.chunkW, s.bps, s.order); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}

	s.cache.put(i, b)

	return b, nil
}

func (s *source) Close() error {
	s.codec.Close()
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", s.path, err)
	}
	return nil
}

// chunkCache keeps decoded chunks up to limit bytes, evicting the oldest.
type chunkCache struct {
	limit int
	used  int
	order []int
	items map[int][]byte
}

func (c *chunkCache) get(i int) ([]byte, bool) {
	b, ok := c.items[i]
	return b, ok
}

func (c *chunkCache) put(i int, b []byte) {
	for c.used+len(b) > c.limit && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.used -= len(c.items[oldest])
		delete(c.items, oldest)
	}
	c.items[i] = b
	c.order = append(c.order, i)
	c.used += len(b)
}
