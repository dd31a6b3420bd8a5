package manifest

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2s"
)

// SignatureHeader carries the signature of a signed update response
const SignatureHeader = "ota-signature"

// ErrSignatureMissing is returned when code signing is configured and the response is unsigned
var ErrSignatureMissing = errors.New("response is not signed")

// BodyHash wraps a BLAKE2s-256 hash.Hash
type BodyHash struct {
	hash.Hash
}

// NewBodyHash returns an initialized BodyHash
func NewBodyHash() *BodyHash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err) // Should never happen with nil Key
	}
	return &BodyHash{Hash: h}
}

func digest(body []byte) []byte {
	h := NewBodyHash()
	_, _ = h.Write(body)
	return h.Sum(nil)
}

// Verifier checks ed25519 signatures over the BLAKE2s digest of response bodies
type Verifier struct {
	publicKey ed25519.PublicKey
}

// NewVerifier parses a base64 encoded ed25519 public key. An empty key yields nil, meaning
// code signing is not configured.
func NewVerifier(encodedKey string) (*Verifier, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, nil //nolint:nilnil
	}

	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode code signing key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("code signing key has %d bytes, expected %d", len(raw), ed25519.PublicKeySize)
	}

	return &Verifier{publicKey: ed25519.PublicKey(raw)}, nil
}

// Verify checks the base64 encoded signature against body
func (v *Verifier) Verify(body []byte, encodedSig string) error {
	if encodedSig == "" {
		return ErrSignatureMissing
	}

	sig, err := base64.StdEncoding.DecodeString(encodedSig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	if !ed25519.Verify(v.publicKey, digest(body), sig) {
		return errors.New("signature does not match response body")
	}
	return nil
}

// Sign returns the base64 encoded signature of body, as expected by Verify
func Sign(privateKey ed25519.PrivateKey, body []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, digest(body)))
}
