package integrity

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "layer.tif")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	return path
}

func TestDigestFile_KnownValues(t *testing.T) {
	path := writeFile(t, []byte("abc"))

	testCases := []struct {
		alg  Algorithm
		want string
	}{
		{alg: MD5, want: "900150983cd24fb0d6963f7d28e17f72"},
		{alg: SHA1, want: "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{alg: SHA256, want: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{alg: Blake3, want: "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85"},
	}

	for _, tc := range testCases {
		t.Run(tc.alg.String(), func(t *testing.T) {
			got, err := DigestFile(path, tc.alg)
			if err != nil {
				t.Fatalf("digest: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
			if len(got) != tc.alg.SizeBytes()*2 {
				t.Errorf("hex length %d, want %d", len(got), tc.alg.SizeBytes()*2)
			}
		})
	}
}

func TestDigestFile_Idempotent(t *testing.T) {
	// Spans several chunks with a ragged tail.
	content := bytes.Repeat([]byte("0123456789abcdef"), ChunkSize/8+3)
	path := writeFile(t, content)

	for _, alg := range KnownAlgorithms {
		first, err := DigestFile(path, alg)
		if err != nil {
			t.Fatalf("%s first digest: %v", alg, err)
		}
		second, err := DigestFile(path, alg)
		if err != nil {
			t.Fatalf("%s second digest: %v", alg, err)
		}
		if first != second {
			t.Errorf("%s: digests differ across runs: %s vs %s", alg, first, second)
		}

		fromReader, err := Digest(bytes.NewReader(content), alg)
		if err != nil {
			t.Fatalf("%s reader digest: %v", alg, err)
		}
		if fromReader != first {
			t.Errorf("%s: file digest %s != reader digest %s", alg, first, fromReader)
		}
	}
}

func TestDigestFile_Missing(t *testing.T) {
	_, err := DigestFile(filepath.Join(t.TempDir(), "absent"), MD5)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestVerifyFile(t *testing.T) {
	path := writeFile(t, []byte("abc"))

	if err := VerifyFile(path, MD5, "900150983CD24FB0D6963F7D28E17F72"); err != nil {
		t.Errorf("expected upper-case hex to verify, got %v", err)
	}

	err := VerifyFile(path, MD5, "0b6f02901c09f0a90dd11d889fce2ee3")
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}

	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *MismatchError, got %T", err)
	}
	if mismatch.Path != path || mismatch.Actual != "900150983cd24fb0d6963f7d28e17f72" {
		t.Errorf("unexpected mismatch detail: %+v", mismatch)
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error %q does not name the file", err)
	}
}

func TestAlgorithmFromString(t *testing.T) {
	testCases := []struct {
		in     string
		want   Algorithm
		expErr bool
	}{
		{in: "md5", want: MD5},
		{in: "SHA256", want: SHA256},
		{in: " blake3 ", want: Blake3},
		{in: "crc32", expErr: true},
		{in: "", expErr: true},
	}

	for _, tc := range testCases {
		got, err := AlgorithmFromString(tc.in)
		if tc.expErr {
			if !errors.Is(err, ErrUnsupportedAlgorithm) {
				t.Errorf("%q: expected ErrUnsupportedAlgorithm, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("%q: got %s, want %s", tc.in, got, tc.want)
		}
	}
}
