package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrSealedFormat  = errors.New("storage: invalid sealed value format")
	ErrSealedInvalid = errors.New("storage: sealed value failed authentication")
	ErrSealConfig    = errors.New("storage: invalid seal configuration")
)

// KeySize is the key length (in bytes) required by the default AEAD.
const KeySize = chacha20poly1305.KeySize

// maxSealedLen bounds how much sealed data we will decode from disk.
const maxSealedLen = 1 << 20

// SealCodec seals values with an AEAD keyed from a rotating key set.
//
// Format: [keyID] "." base64url(nonce || AEAD.Seal(nil, nonce, plaintext, aad))
//
// Keys holds every accepted key; KeyID selects the key used for sealing.
// Values sealed under a retired key open as long as that key is in Keys.
type SealCodec struct {
	KeyID string
	Keys  map[string][]byte

	// NewAEAD constructs the AEAD. Defaults to chacha20poly1305.NewX.
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewSealCodec validates the key set and returns a codec.
// A nil newAEAD selects XChaCha20-Poly1305.
func NewSealCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*SealCodec, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: keys must not be nil", ErrSealConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: keyID %q not found in keys", ErrSealConfig, keyID)
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: invalid key %s: %v", ErrSealConfig, id, err)
		}
	}
	return &SealCodec{
		KeyID:   keyID,
		Keys:    keys,
		NewAEAD: newAEAD,
	}, nil
}

// Seal encrypts plain. aad binds the sealed value to its context (e.g. the
// file it is stored in) so that values cannot be swapped between contexts.
func (sc *SealCodec) Seal(plain []byte, aad []byte) (string, error) {
	if sc == nil {
		return "", ErrSealConfig
	}
	key, ok := sc.Keys[sc.KeyID]
	if !ok {
		return "", ErrSealConfig
	}
	aead, err := sc.NewAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return sc.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a value produced by Seal.
func (sc *SealCodec) Open(value string, aad []byte) ([]byte, error) {
	if sc == nil {
		return nil, ErrSealConfig
	}
	if len(value) == 0 || len(value) > maxSealedLen {
		return nil, ErrSealedFormat
	}
	keyID, encB64, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encB64 == "" {
		return nil, ErrSealedFormat
	}
	key, ok := sc.Keys[keyID]
	if !ok {
		return nil, ErrSealedInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encB64)
	if err != nil {
		return nil, ErrSealedFormat
	}
	aead, err := sc.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrSealedInvalid
	}
	return plain, nil
}
