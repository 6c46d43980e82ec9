// Package secretbox wraps AES-256-GCM for encrypting provider tokens at rest.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keyLength   = 32 // AES-256
	nonceLength = 12 // 96-bit GCM nonce
	tagLength   = 16
)

var (
	// ErrInvalidKey marks a cipher key that does not decode to 32 bytes.
	// Callers treat this as "no encryption configured", never pad or truncate.
	ErrInvalidKey = errors.New("secretbox: key must be base64 of exactly 32 bytes")
	// ErrDecryptFailed covers tag verification failures and malformed input.
	ErrDecryptFailed = errors.New("secretbox: decryption failed")
)

// Ciphertext carries the three independently stored parts of a sealed value,
// each base64 encoded.
type Ciphertext struct {
	Data  string
	Nonce string
	Tag   string
}

// Box performs authenticated encryption with a fixed 32-byte key.
type Box struct {
	aead cipher.AEAD
}

// New builds a Box from a base64-encoded 32-byte key.
func New(base64Key string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != keyLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (b *Box) Encrypt(plaintext string) (Ciphertext, error) {
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Ciphertext{}, fmt.Errorf("secretbox: nonce: %w", err)
	}

	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - tagLength

	return Ciphertext{
		Data:  base64.StdEncoding.EncodeToString(sealed[:split]),
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Tag:   base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt opens a Ciphertext, verifying the authentication tag. Any mismatch
// or malformed field yields ErrDecryptFailed; altered plaintext is never
// returned.
func (b *Box) Decrypt(sealed Ciphertext) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed.Data)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext encoding", ErrDecryptFailed)
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil || len(nonce) != nonceLength {
		return "", fmt.Errorf("%w: nonce", ErrDecryptFailed)
	}
	tag, err := base64.StdEncoding.DecodeString(sealed.Tag)
	if err != nil || len(tag) != tagLength {
		return "", fmt.Errorf("%w: tag", ErrDecryptFailed)
	}

	plaintext, err := b.aead.Open(nil, nonce, append(data, tag...), nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
