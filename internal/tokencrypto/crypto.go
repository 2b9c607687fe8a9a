// Package tokencrypto provides authenticated symmetric encryption for the
// OAuth access/refresh tokens held at rest in the session store.
package tokencrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"crypto/sha256"
)

const (
	keySize   = 32
	nonceSize = 12
	// minCiphertext is iv (12) + GCM tag (16); anything shorter cannot
	// possibly hold a valid ciphertext.
	minCiphertext = nonceSize + 16
)

var hkdfInfo = []byte("ctrader-gateway-token-key")

// ErrShortCiphertext is returned by Decrypt when the input is too short to
// contain an IV and authentication tag.
var ErrShortCiphertext = errors.New("tokencrypto: ciphertext shorter than iv+tag")

// Box encrypts and decrypts token material with AES-256-GCM. The supplied
// key material is run through HKDF-SHA256 to derive the actual block-cipher
// key, so the raw operator secret is never used as a cipher key directly.
type Box struct {
	aead cipher.AEAD
}

// New builds a Box from 32 bytes of key material.
func New(keyMaterial []byte) (*Box, error) {
	derived := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, keyMaterial, nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("tokencrypto: derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("tokencrypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokencrypto: new gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// ParseKey accepts either 64 hex characters or a base64-encoded 32-byte
// value, per the TOKEN_ENCRYPTION_KEY contract in §6.
func ParseKey(raw string) ([]byte, error) {
	if b, err := hex.DecodeString(raw); err == nil && len(b) == keySize {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("tokencrypto: key is neither 64 hex chars nor base64-encoded %d bytes", keySize)
	}
	if len(b) != keySize {
		return nil, fmt.Errorf("tokencrypto: decoded key is %d bytes, want %d", len(b), keySize)
	}
	return b, nil
}

// Encrypt returns base64(iv || ciphertext || tag) for plain: the GCM tag
// follows the ciphertext, it is not placed before it.
func (b *Box) Encrypt(plain string) (string, error) {
	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("tokencrypto: generate iv: %w", err)
	}
	// Seal returns ciphertext||tag; prefixing the iv gives
	// iv || ciphertext || tag, the layout Decrypt splits and Open expects.
	sealed := b.aead.Seal(nil, iv, []byte(plain), nil)
	out := append(iv, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt, failing on short input or tag mismatch.
func (b *Box) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("tokencrypto: decode base64: %w", err)
	}
	if len(raw) < minCiphertext {
		return "", ErrShortCiphertext
	}
	iv, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := b.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("tokencrypto: authentication failed: %w", err)
	}
	return string(plain), nil
}
