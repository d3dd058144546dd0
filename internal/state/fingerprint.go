package state

import (
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// FingerprintMapping hashes the mapping file.
//
// The mapping must parse as YAML before it is fingerprinted. A truncated or
// half-saved mapping would otherwise produce a perfectly valid fingerprint
// and surface later as a confusing mismatch instead of a parse error.
func FingerprintMapping(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read mapping %s: %w", path, err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("mapping %s is not valid YAML: %w", path, err)
	}
	if len(doc) == 0 {
		return "", fmt.Errorf("mapping %s is empty", path)
	}

	return fmt.Sprintf("xxh64:%016x", xxhash.Sum64(data)), nil
}
