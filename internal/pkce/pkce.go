// pkce.go -- RFC 7636 code verifier + S256 challenge generation.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// VerifierBytes is the number of random bytes behind each verifier.
// 32 bytes base64url-encode to 43 chars, the RFC 7636 minimum length.
const VerifierBytes = 32

// ErrEntropy is returned when the random source fails or comes up short.
// Callers must refuse to start the flow; there is no weaker fallback.
var ErrEntropy = errors.New("pkce: secure random source unavailable")

// GenerateVerifier returns a fresh base64url (unpadded) verifier read from crypto/rand.
func GenerateVerifier() (string, error) {
	return GenerateVerifierFrom(rand.Reader)
}

// GenerateVerifierFrom reads VerifierBytes from src. Any short read or error is ErrEntropy.
func GenerateVerifierFrom(src io.Reader) (string, error) {
	var b [VerifierBytes]byte
	if _, err := io.ReadFull(src, b[:]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Challenge derives the S256 challenge: base64url(SHA-256(verifier)).
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Matches reports whether challenge was derived from verifier. Constant time.
func Matches(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) == 1
}
