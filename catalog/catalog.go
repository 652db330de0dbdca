// Package catalog describes the remote layers an AWC run consumes: where
// each depth lives, how deep it is and the digest it must match.
//
// Catalogs are YAML documents (JSON is accepted as a subset). Two are
// built in, see [Builtin].
package catalog

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soilgrids/awc/integrity"
	"github.com/soilgrids/awc/internal/validate"
)

// Default is the catalog used when none is named.
const Default = "awch1"

var ErrUnknownCatalog = errors.New("unknown catalog")

//go:embed data/*.yaml
var builtin embed.FS

// LayerSpec is one remote raster of the stack.
type LayerSpec struct {
	DepthLabel        string  `yaml:"depth_label" validate:"required"`
	DepthCM           float64 `yaml:"depth_cm" validate:"gte=0"`
	URL               string  `yaml:"url" validate:"required,http_url"`
	ChecksumAlgorithm string  `yaml:"checksum_algorithm" validate:"omitempty,oneof=md5 sha1 sha256 sha512 blake3"`
	Checksum          string  `yaml:"checksum" validate:"required,hexadecimal"`
}

// Algorithm resolves ChecksumAlgorithm, which defaults to md5.
func (l LayerSpec) Algorithm() integrity.Algorithm {
	if l.ChecksumAlgorithm == "" {
		return integrity.MD5
	}
	alg, err := integrity.AlgorithmFromString(l.ChecksumAlgorithm)
	if err != nil {
		return integrity.MD5
	}
	return alg
}

// FileName is the last path element of URL, used as the cache name.
func (l LayerSpec) FileName() string {
	u, err := url.Parse(l.URL)
	if err != nil {
		return path.Base(l.URL)
	}
	return path.Base(u.Path)
}

// Catalog is an ordered stack of layers, shallowest first.
type Catalog struct {
	Name        string      `yaml:"name" validate:"required"`
	Description string      `yaml:"description"`
	Layers      []LayerSpec `yaml:"layers" validate:"required,min=2,dive"`
}

// Depths returns the layer depths in catalog order.
func (c Catalog) Depths() []float64 {
	out := make([]float64, len(c.Layers))
	for i, l := range c.Layers {
		out[i] = l.DepthCM
	}
	return out
}

// Parse decodes and validates a catalog document. Unknown keys are
// rejected.
func Parse(data []byte) (Catalog, error) {
	var c Catalog

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return Catalog{}, errors.New("decoding catalog: empty document")
		}
		return Catalog{}, fmt.Errorf("decoding catalog: %w", err)
	}

	for i := range c.Layers {
		c.Layers[i].ChecksumAlgorithm = strings.ToLower(c.Layers[i].ChecksumAlgorithm)
		c.Layers[i].Checksum = strings.ToLower(c.Layers[i].Checksum)
	}

	if err := validate.Struct(c); err != nil {
		return Catalog{}, fmt.Errorf("validating catalog: %w", err)
	}

	if err := check(c); err != nil {
		return Catalog{}, fmt.Errorf("validating catalog: %w", err)
	}

	return c, nil
}

// check enforces rules spanning layers.
func check(c Catalog) error {
	var fields validate.FieldErrors
	seen := make(map[string]int, len(c.Layers))

	for i, l := range c.Layers {
		prefix := fmt.Sprintf("layers[%d].", i)

		if i > 0 && l.DepthCM <= c.Layers[i-1].DepthCM {
			fields = append(fields, validate.FieldError{
				Field: prefix + "depth_cm",
				Err:   fmt.Sprintf("depth_cm must be greater than %g", c.Layers[i-1].DepthCM),
			})
		}

		if want := l.Algorithm().SizeBytes() * 2; len(l.Checksum) != want {
			fields = append(fields, validate.FieldError{
				Field: prefix + "checksum",
				Err:   fmt.Sprintf("checksum must be %d hex characters for %s", want, l.Algorithm()),
			})
		}

		name := l.FileName()
		if j, ok := seen[name]; ok {
			fields = append(fields, validate.FieldError{
				Field: prefix + "url",
				Err:   fmt.Sprintf("file name %q repeats layers[%d]", name, j),
			})
		}
		seen[name] = i
	}

	if len(fields) > 0 {
		return fields
	}
	return nil
}

// Load reads a catalog file.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("reading catalog: %w", err)
	}

	c, err := Parse(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("%s: %w", path, err)
	}

	return c, nil
}

// Builtin returns an embedded catalog by name.
func Builtin(name string) (Catalog, error) {
	data, err := builtin.ReadFile("data/" + strings.ToLower(name) + ".yaml")
	if err != nil {
		return Catalog{}, fmt.Errorf("%w: %q (have %s)", ErrUnknownCatalog, name, strings.Join(Names(), ", "))
	}
	return Parse(data)
}

// Names lists the embedded catalogs.
func Names() []string {
	entries, err := builtin.ReadDir("data")
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	slices.Sort(names)

	return names
}
