package manifest

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

// ContentHash returns the base64url encoded SHA-256 of everything read from r,
// the encoding used by Asset.Hash
func ContentHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

// FileHash returns the ContentHash of the file at path
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, err := ContentHash(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, nil
}

// HashesEqual compares two asset hashes, tolerating base64 padding
func HashesEqual(a, b string) bool {
	return strings.TrimRight(a, "=") == strings.TrimRight(b, "=")
}
