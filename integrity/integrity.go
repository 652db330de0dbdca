// Package integrity computes and verifies file digests without loading
// the file into memory.
package integrity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// ChunkSize is the fixed read size used when streaming a file through a
// digest, bounding memory regardless of the file size.
const ChunkSize = 1 << 20

var (
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")
)

// Algorithm names a digest function.
type Algorithm struct{ name string }

var (
	MD5    = Algorithm{"md5"}
	SHA1   = Algorithm{"sha1"}
	SHA256 = Algorithm{"sha256"}
	SHA512 = Algorithm{"sha512"}
	Blake3 = Algorithm{"blake3"}

	KnownAlgorithms = []Algorithm{MD5, SHA1, SHA256, SHA512, Blake3}
)

func (a Algorithm) String() string { return a.name }

// AlgorithmFromString resolves a case-insensitive algorithm name.
func AlgorithmFromString(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "md5":
		return MD5, nil
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	case "sha512":
		return SHA512, nil
	case "blake3":
		return Blake3, nil
	}
	return Algorithm{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

// Hasher returns a fresh hash.Hash for the algorithm.
func (a Algorithm) Hasher() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	case Blake3:
		return blake3.New(32, nil)
	}
	// Should be unreachable.
	panic("unsupported algorithm")
}

// SizeBytes is the length of the raw (not hex-encoded) digest.
func (a Algorithm) SizeBytes() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	case Blake3:
		return 32
	}
	// Should be unreachable.
	panic("unsupported algorithm")
}

// Digest streams r through alg and returns the hex-encoded sum.
func Digest(r io.Reader, alg Algorithm) (string, error) {
	h := alg.Hasher()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile returns the hex-encoded digest of the file at path. The file
// is read sequentially in ChunkSize pieces and never mutated.
func DigestFile(path string, alg Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	// Hide *os.File's ReaderFrom/WriterTo so CopyBuffer honors the chunk size.
	sum, err := Digest(struct{ io.Reader }{f}, alg)
	if err != nil {
		return "", fmt.Errorf("digesting %s: %w", path, err)
	}

	return sum, nil
}

// VerifyFile digests path and compares it against the expected hex digest.
func VerifyFile(path string, alg Algorithm, expected string) error {
	actual, err := DigestFile(path, alg)
	if err != nil {
		return err
	}

	return Compare(path, alg, expected, actual)
}

// Compare reports a *MismatchError when actual differs from expected.
// Hex case is ignored.
func Compare(path string, alg Algorithm, expected, actual string) error {
	if strings.EqualFold(strings.TrimSpace(expected), actual) {
		return nil
	}

	return &MismatchError{
		Path:      path,
		Algorithm: alg,
		Expected:  expected,
		Actual:    actual,
	}
}

// MismatchError describes a digest that did not match its expected value.
type MismatchError struct {
	Path      string
	Algorithm Algorithm
	Expected  string
	Actual    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v on %s: %s expected %s, got %s", ErrChecksumMismatch, e.Path, e.Algorithm, e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error {
	return ErrChecksumMismatch
}
