package raster

import (
	"fmt"
	"os"
	"slices"
	"sync"
)

// Memory is an in-process Backend keyed by path. Created rasters become
// visible to Open only after Commit.
type Memory struct {
	mu      sync.Mutex
	rasters map[string]memRaster
}

type memRaster struct {
	meta Metadata
	data []float64
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{rasters: make(map[string]memRaster)}
}

// Put stores data (row-major, Width*Height samples) under path.
func (m *Memory) Put(path string, meta Metadata, data []float64) error {
	if len(data) != meta.Width*meta.Height {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrShapeMismatch, len(data), meta.Width, meta.Height)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rasters[path] = memRaster{meta: meta, data: slices.Clone(data)}

	return nil
}

// Get returns a copy of the raster stored under path.
func (m *Memory) Get(path string) (Metadata, []float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rasters[path]
	if !ok {
		return Metadata{}, nil, false
	}
	return r.meta, slices.Clone(r.data), true
}

func (m *Memory) Open(path string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rasters[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return &memSource{r: r}, nil
}

func (m *Memory) Create(path string, meta Metadata, opts CreateOptions) (Sink, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	meta.BlockWidth, meta.BlockHeight = opts.TileSize, opts.TileSize

	return &memSink{
		backend: m,
		path:    path,
		r:       memRaster{meta: meta, data: make([]float64, meta.Width*meta.Height)},
	}, nil
}

type memSource struct {
	r memRaster
}

func (s *memSource) Metadata() Metadata { return s.r.meta }

func (s *memSource) ReadBlock(w Window, dst []float64) error {
	if !w.Within(s.r.meta.Width, s.r.meta.Height) {
		return fmt.Errorf("%w: %s", ErrWindow, w)
	}
	for row := range w.Height {
		off := (w.Y+row)*s.r.meta.Width + w.X
		copy(dst[row*w.Width:(row+1)*w.Width], s.r.data[off:off+w.Width])
	}
	return nil
}

func (s *memSource) Close() error { return nil }

type memSink struct {
	backend *Memory
	path    string
	r       memRaster
	done    bool
}

func (s *memSink) Metadata() Metadata { return s.r.meta }

func (s *memSink) WriteBlock(w Window, src []float64) error {
	if s.done {
		return os.ErrClosed
	}
	if !w.Within(s.r.meta.Width, s.r.meta.Height) {
		return fmt.Errorf("%w: %s", ErrWindow, w)
	}
	for row := range w.Height {
		off := (w.Y+row)*s.r.meta.Width + w.X
		copy(s.r.data[off:off+w.Width], src[row*w.Width:(row+1)*w.Width])
	}
	return nil
}

func (s *memSink) Commit() error {
	if s.done {
		return os.ErrClosed
	}
	s.done = true

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.rasters[s.path] = s.r

	return nil
}

func (s *memSink) Abort() error {
	s.done = true
	return nil
}
