package download

import (
	"fmt"

	"github.com/soilgrids/awc/integrity"
)

// checksumVerifier enables checksum validation of the downloaded file.
type checksumVerifier struct {
	alg      integrity.Algorithm
	expected string
}

// Verify digests the completed file at path. A nil verifier accepts
// anything.
func (v *checksumVerifier) Verify(path string) error {
	if v == nil {
		return nil
	}

	if err := integrity.VerifyFile(path, v.alg, v.expected); err != nil {
		return fmt.Errorf("verifying %s: %w", path, err)
	}

	return nil
}
