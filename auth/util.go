package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrCryptoUnavailable means the secure random source failed. It is an
// environment defect, not something a retry will fix.
var ErrCryptoUnavailable = errors.New("auth: secure random source unavailable")

const (
	// VerifierBytes is the entropy of a PKCE verifier. 64 bytes encode to an
	// 86 character verifier, within RFC 7636's 43..128 range.
	VerifierBytes = 64

	// StateBytes is the entropy of a CSRF state token.
	StateBytes = 32
)

// randReader is replaced in tests.
var randReader io.Reader = rand.Reader

// GenerateRandomToken returns n random bytes, base64url encoded without
// padding.
func GenerateRandomToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("auth: invalid token length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveChallenge returns the S256 code challenge for verifier.
func DeriveChallenge(verifier string) string {
	s := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// PKCE is a verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

func GeneratePKCE() (PKCE, error) {
	verifier, err := GenerateRandomToken(VerifierBytes)
	if err != nil {
		return PKCE{}, err
	}
	return PKCE{Verifier: verifier, Challenge: DeriveChallenge(verifier)}, nil
}

// LocalNextURL returns nextURL if it is a local path, and "/" otherwise, so
// a next_url parameter cannot be used as an open redirect.
func LocalNextURL(nextURL string) string {
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") || strings.HasPrefix(nextURL, "/\\") {
		return "/"
	}
	return nextURL
}
