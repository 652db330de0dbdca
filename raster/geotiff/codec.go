package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"

	"github.com/soilgrids/awc/raster"
)

// codec compresses and decompresses chunks. The zstd coders are safe for
// concurrent EncodeAll/DecodeAll calls.
type codec struct {
	zenc *zstd.Encoder
	zdec *zstd.Decoder
	once sync.Once
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{zenc: enc, zdec: dec}, nil
}

func (c *codec) Close() {
	c.once.Do(func() {
		c.zdec.Close()
		_ = c.zenc.Close()
	})
}

// decompress expands a chunk compressed with the given TIFF code into
// exactly size bytes.
func (c *codec) decompress(code uint64, src []byte, size int) ([]byte, error) {
	var out []byte

	switch code {
	case compNone:
		out = src

	case compLZW:
		r := lzw.NewReader(bytes.NewReader(src), lzw.MSB, 8)
		defer r.Close()

		out = make([]byte, size)
		n, err := io.ReadFull(r, out)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("lzw: %w", err)
		}
		out = out[:n]

	case compDeflate, compDeflateOld:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer r.Close()

		out = make([]byte, size)
		n, err := io.ReadFull(r, out)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		out = out[:n]

	case compZSTD:
		var err error
		out, err = c.zdec.DecodeAll(src, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, code)
	}

	if len(out) < size {
		return nil, fmt.Errorf("%w: chunk decoded to %d bytes, want %d", ErrFormat, len(out), size)
	}

	return out[:size], nil
}

func (c *codec) compress(comp raster.Compression, src []byte) ([]byte, error) {
	switch comp {
	case raster.CompressNone:
		return src, nil

	case raster.CompressDeflate:
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return buf.Bytes(), nil

	case raster.CompressZSTD:
		return c.zenc.EncodeAll(src, nil), nil
	}

	return nil, fmt.Errorf("%w: %s output", ErrUnsupported, comp)
}

func compressionCode(comp raster.Compression) uint16 {
	switch comp {
	case raster.CompressDeflate:
		return compDeflate
	case raster.CompressZSTD:
		return compZSTD
	case raster.CompressLZW:
		return compLZW
	}
	return compNone
}

// undoPredictor reverses predictor p in place over rows of width samples.
// The result is in the file's byte order.
func undoPredictor(p uint64, buf []byte, width, bps int, order binary.ByteOrder) error {
	rowBytes := width * bps
	switch p {
	case raster.PredictorNone:
		return nil

	case raster.PredictorHorizontal:
		for row := 0; row+rowBytes <= len(buf); row += rowBytes {
			r := buf[row : row+rowBytes]
			switch bps {
			case 1:
				for i := 1; i < width; i++ {
					r[i] += r[i-1]
				}
			case 2:
				for i := 1; i < width; i++ {
					order.PutUint16(r[i*2:], order.Uint16(r[i*2:])+order.Uint16(r[(i-1)*2:]))
				}
			case 4:
				for i := 1; i < width; i++ {
					order.PutUint32(r[i*4:], order.Uint32(r[i*4:])+order.Uint32(r[(i-1)*4:]))
				}
			case 8:
				for i := 1; i < width; i++ {
					order.PutUint64(r[i*8:], order.Uint64(r[i*8:])+order.Uint64(r[(i-1)*8:]))
				}
			}
		}
		return nil

	case raster.PredictorFloatingPoint:
		tmp := make([]byte, rowBytes)
		for row := 0; row+rowBytes <= len(buf); row += rowBytes {
			r := buf[row : row+rowBytes]
			for i := 1; i < rowBytes; i++ {
				r[i] += r[i-1]
			}
			copy(tmp, r)
			// Byte plane k holds the k-th most significant byte of every
			// sample.
			for i := range width {
				for k := range bps {
					pos := k
					if order == binary.LittleEndian {
						pos = bps - 1 - k
					}
					r[i*bps+pos] = tmp[k*width+i]
				}
			}
		}
		return nil
	}

	return fmt.Errorf("%w: predictor %d", ErrUnsupported, p)
}

// applyPredictor is the inverse of undoPredictor for little-endian rows.
func applyPredictor(p int, buf []byte, width, bps int) {
	le := binary.LittleEndian
	rowBytes := width * bps

	switch p {
	case raster.PredictorHorizontal:
		for row := 0; row+rowBytes <= len(buf); row += rowBytes {
			r := buf[row : row+rowBytes]
			for i := width - 1; i > 0; i-- {
				switch bps {
				case 1:
					r[i] -= r[i-1]
				case 2:
					le.PutUint16(r[i*2:], le.Uint16(r[i*2:])-le.Uint16(r[(i-1)*2:]))
				case 4:
					le.PutUint32(r[i*4:], le.Uint32(r[i*4:])-le.Uint32(r[(i-1)*4:]))
				case 8:
					le.PutUint64(r[i*8:], le.Uint64(r[i*8:])-le.Uint64(r[(i-1)*8:]))
				}
			}
		}

	case raster.PredictorFloatingPoint:
		tmp := make([]byte, rowBytes)
		for row := 0; row+rowBytes <= len(buf); row += rowBytes {
			r := buf[row : row+rowBytes]
			for i := range width {
				for k := range bps {
					tmp[k*width+i] = r[i*bps+bps-1-k]
				}
			}
			copy(r, tmp)
			for i := rowBytes - 1; i > 0; i-- {
				r[i] -= r[i-1]
			}
		}
	}
}

// sampleDecoder converts one sample at b to float64.
type sampleDecoder func(b []byte) float64

func decoderFor(dt raster.DataType, order binary.ByteOrder) sampleDecoder {
	switch dt {
	case raster.Uint8:
		return func(b []byte) float64 { return float64(b[0]) }
	case raster.Int8:
		return func(b []byte) float64 { return float64(int8(b[0])) }
	case raster.Uint16:
		return func(b []byte) float64 { return float64(order.Uint16(b)) }
	case raster.Int16:
		return func(b []byte) float64 { return float64(int16(order.Uint16(b))) }
	case raster.Uint32:
		return func(b []byte) float64 { return float64(order.Uint32(b)) }
	case raster.Int32:
		return func(b []byte) float64 { return float64(int32(order.Uint32(b))) }
	case raster.Float32:
		return func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }
	case raster.Float64:
		return func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }
	}
	return nil
}

// putSample writes v as dt, little-endian, saturating integer types.
func putSample(dt raster.DataType, b []byte, v float64) {
	le := binary.LittleEndian
	switch dt {
	case raster.Uint8:
		b[0] = uint8(clamp(v, 0, math.MaxUint8))
	case raster.Int8:
		b[0] = uint8(int8(clamp(v, math.MinInt8, math.MaxInt8)))
	case raster.Uint16:
		le.PutUint16(b, uint16(clamp(v, 0, math.MaxUint16)))
	case raster.Int16:
		le.PutUint16(b, uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
	case raster.Uint32:
		le.PutUint32(b, uint32(clamp(v, 0, math.MaxUint32)))
	case raster.Int32:
		le.PutUint32(b, uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
	case raster.Float32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case raster.Float64:
		le.PutUint64(b, math.Float64bits(v))
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Round(min(max(v, lo), hi))
}

func dataType(bits, format uint64) (raster.DataType, error) {
	switch {
	case format == sfUint && bits == 8:
		return raster.Uint8, nil
	case format == sfInt && bits == 8:
		return raster.Int8, nil
	case format == sfUint && bits == 16:
		return raster.Uint16, nil
	case format == sfInt && bits == 16:
		return raster.Int16, nil
	case format == sfUint && bits == 32:
		return raster.Uint32, nil
	case format == sfInt && bits == 32:
		return raster.Int32, nil
	case format == sfFloat && bits == 32:
		return raster.Float32, nil
	case format == sfFloat && bits == 64:
		return raster.Float64, nil
	}
	return raster.Unknown, fmt.Errorf("%w: %d-bit sample format %d", ErrUnsupported, bits, format)
}

func sampleFormat(dt raster.DataType) uint16 {
	switch dt {
	case raster.Int8, raster.Int16, raster.Int32:
		return sfInt
	case raster.Float32, raster.Float64:
		return sfFloat
	}
	return sfUint
}
