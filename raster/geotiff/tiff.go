package geotiff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
)

var (
	ErrFormat      = errors.New("not a valid tiff")
	ErrUnsupported = errors.New("unsupported tiff feature")
)

// FormatError describes a malformed file.
type FormatError struct {
	Path   string
	Detail string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrFormat, e.Path, e.Detail)
}

func (e *FormatError) Unwrap() error {
	return ErrFormat
}

const (
	magicClassic = 42
	magicBig     = 43
)

// Field types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
	dtLong8     = 16
	dtSLong8    = 17
	dtIFD8      = 18
)

var typeSize = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8,
	dtSByte: 1, dtUndefined: 1, dtSShort: 2, dtSLong: 4, dtSRational: 8,
	dtFloat: 4, dtDouble: 8, dtLong8: 8, dtSLong8: 8, dtIFD8: 8,
}

// Tags.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfig        = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGeoDoubleParams     = 34736
	tagGeoASCIIParams      = 34737
	tagGDALNodata          = 42113
)

// Compression codes.
const (
	compNone       = 1
	compLZW        = 5
	compDeflate    = 8
	compDeflateOld = 32946
	compZSTD       = 50000
)

// Sample formats.
const (
	sfUint  = 1
	sfInt   = 2
	sfFloat = 3
)

// field is one decoded IFD entry.
type field struct {
	typ   uint16
	count uint64
	raw   []byte
}

func (f field) uints(order binary.ByteOrder) []uint64 {
	out := make([]uint64, 0, f.count)
	size := typeSize[f.typ]
	for i := range int(f.count) {
		b := f.raw[i*size:]
		switch f.typ {
		case dtByte, dtUndefined:
			out = append(out, uint64(b[0]))
		case dtShort:
			out = append(out, uint64(order.Uint16(b)))
		case dtLong:
			out = append(out, uint64(order.Uint32(b)))
		case dtLong8, dtIFD8:
			out = append(out, order.Uint64(b))
		default:
			return nil
		}
	}
	return out
}

func (f field) floats(order binary.ByteOrder) []float64 {
	out := make([]float64, 0, f.count)
	size := typeSize[f.typ]
	for i := range int(f.count) {
		b := f.raw[i*size:]
		switch f.typ {
		case dtDouble:
			out = append(out, math.Float64frombits(order.Uint64(b)))
		case dtFloat:
			out = append(out, float64(math.Float32frombits(order.Uint32(b))))
		default:
			return nil
		}
	}
	return out
}

func (f field) ascii() string {
	return strings.TrimRight(string(f.raw), "\x00")
}

// header is the decoded file header and first IFD.
type header struct {
	order  binary.ByteOrder
	big    bool
	fields map[uint16]field
}

func (h *header) uint(tag uint16, def uint64) uint64 {
	f, ok := h.fields[tag]
	if !ok {
		return def
	}
	v := f.uints(h.order)
	if len(v) == 0 {
		return def
	}
	return v[0]
}

func (h *header) uintSlice(tag uint16) []uint64 {
	f, ok := h.fields[tag]
	if !ok {
		return nil
	}
	return f.uints(h.order)
}

func (h *header) floatSlice(tag uint16) []float64 {
	f, ok := h.fields[tag]
	if !ok {
		return nil
	}
	return f.floats(h.order)
}

func (h *header) shortSlice(tag uint16) []uint16 {
	v := h.uintSlice(tag)
	if v == nil {
		return nil
	}
	out := make([]uint16, len(v))
	for i, x := range v {
		out[i] = uint16(x)
	}
	return out
}

func (h *header) ascii(tag uint16) (string, bool) {
	f, ok := h.fields[tag]
	if !ok || f.typ != dtASCII {
		return "", false
	}
	return f.ascii(), true
}

// maxFieldBytes guards against corrupt counts.
const maxFieldBytes = 1 << 30

// readHeader parses the byte order, variant and the first IFD of r.
func readHeader(r io.ReaderAt, path string) (*header, error) {
	var buf [16]byte
	if _, err := r.ReadAt(buf[:8], 0); err != nil {
		return nil, &FormatError{Path: path, Detail: fmt.Sprintf("reading header: %v", err)}
	}

	h := header{fields: make(map[uint16]field)}
	switch string(buf[:2]) {
	case "II":
		h.order = binary.LittleEndian
	case "MM":
		h.order = binary.BigEndian
	default:
		return nil, &FormatError{Path: path, Detail: "bad byte order mark"}
	}

	var ifdOffset uint64
	switch h.order.Uint16(buf[2:]) {
	case magicClassic:
		ifdOffset = uint64(h.order.Uint32(buf[4:]))
	case magicBig:
		h.big = true
		if _, err := r.ReadAt(buf[8:16], 8); err != nil {
			return nil, &FormatError{Path: path, Detail: fmt.Sprintf("reading bigtiff header: %v", err)}
		}
		if h.order.Uint16(buf[4:]) != 8 {
			return nil, &FormatError{Path: path, Detail: "bigtiff offset size is not 8"}
		}
		ifdOffset = h.order.Uint64(buf[8:])
	default:
		return nil, &FormatError{Path: path, Detail: "bad magic number"}
	}

	countSize, entrySize, valueSize := 2, 12, 4
	if h.big {
		countSize, entrySize, valueSize = 8, 20, 8
	}

	cb := make([]byte, countSize)
	if _, err := r.ReadAt(cb, int64(ifdOffset)); err != nil {
		return nil, &FormatError{Path: path, Detail: fmt.Sprintf("reading ifd: %v", err)}
	}

	var n uint64
	if h.big {
		n = h.order.Uint64(cb)
	} else {
		n = uint64(h.order.Uint16(cb))
	}
	if n == 0 || n > 4096 {
		return nil, &FormatError{Path: path, Detail: fmt.Sprintf("implausible ifd entry count %d", n)}
	}

	entries := make([]byte, int(n)*entrySize)
	if _, err := r.ReadAt(entries, int64(ifdOffset)+int64(countSize)); err != nil {
		return nil, &FormatError{Path: path, Detail: fmt.Sprintf("reading ifd entries: %v", err)}
	}

	for i := range int(n) {
		e := entries[i*entrySize:]
		tag := h.order.Uint16(e)
		typ := h.order.Uint16(e[2:])

		size, ok := typeSize[typ]
		if !ok {
			continue
		}

		var count uint64
		var value []byte
		if h.big {
			count = h.order.Uint64(e[4:])
			value = e[12:20]
		} else {
			count = uint64(h.order.Uint32(e[4:]))
			value = e[8:12]
		}

		total := count * uint64(size)
		if total > maxFieldBytes {
			return nil, &FormatError{Path: path, Detail: fmt.Sprintf("tag %d too large", tag)}
		}

		var raw []byte
		if total <= uint64(valueSize) {
			raw = slices.Clone(value[:total])
		} else {
			var off uint64
			if h.big {
				off = h.order.Uint64(value)
			} else {
				off = uint64(h.order.Uint32(value))
			}
			raw = make([]byte, total)
			if _, err := r.ReadAt(raw, int64(off)); err != nil {
				return nil, &FormatError{Path: path, Detail: fmt.Sprintf("reading tag %d: %v", tag, err)}
			}
		}

		h.fields[tag] = field{typ: typ, count: count, raw: raw}
	}

	return &h, nil
}

// entry is an IFD entry being written, values already encoded
// little-endian.
type entry struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte
}

func shortEntry(tag uint16, vals ...uint16) entry {
	b := make([]byte, 0, 2*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return entry{tag: tag, typ: dtShort, count: uint64(len(vals)), data: b}
}

func longEntry(tag uint16, vals ...uint32) entry {
	b := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return entry{tag: tag, typ: dtLong, count: uint64(len(vals)), data: b}
}

func long8Entry(tag uint16, vals ...uint64) entry {
	b := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	return entry{tag: tag, typ: dtLong8, count: uint64(len(vals)), data: b}
}

func doubleEntry(tag uint16, vals ...float64) entry {
	b := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return entry{tag: tag, typ: dtDouble, count: uint64(len(vals)), data: b}
}

func asciiEntry(tag uint16, s string) entry {
	b := append([]byte(s), 0)
	return entry{tag: tag, typ: dtASCII, count: uint64(len(b)), data: b}
}

// encodeIFD lays out entries at offset, followed by their out-of-line
// values. It returns the bytes to write there.
func encodeIFD(entries []entry, offset uint64, big bool) []byte {
	slices.SortFunc(entries, func(a, b entry) int { return int(a.tag) - int(b.tag) })

	countSize, entrySize, valueSize, nextSize := 2, 12, 4, 4
	if big {
		countSize, entrySize, valueSize, nextSize = 8, 20, 8, 8
	}

	ifdLen := countSize + len(entries)*entrySize + nextSize
	out := make([]byte, ifdLen)
	extra := offset + uint64(ifdLen)

	le := binary.LittleEndian
	if big {
		le.PutUint64(out, uint64(len(entries)))
	} else {
		le.PutUint16(out, uint16(len(entries)))
	}

	for i, e := range entries {
		p := out[countSize+i*entrySize:]
		le.PutUint16(p, e.tag)
		le.PutUint16(p[2:], e.typ)

		var value []byte
		if big {
			le.PutUint64(p[4:], e.count)
			value = p[12:20]
		} else {
			le.PutUint32(p[4:], uint32(e.count))
			value = p[8:12]
		}

		if len(e.data) <= valueSize {
			copy(value, e.data)
			continue
		}

		if big {
			le.PutUint64(value, extra)
		} else {
			le.PutUint32(value, uint32(extra))
		}
		out = append(out, e.data...)
		extra += uint64(len(e.data))
		if len(e.data)%2 == 1 {
			out = append(out, 0)
			extra++
		}
	}

	// Next IFD offset stays zero: single image.
	return out
}
