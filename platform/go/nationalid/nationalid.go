// Package nationalid handles encrypted national identification numbers. Values are stored
// encrypted with XChaCha20-Poly1305 next to a keyed deterministic hash used for exact lookups.
package nationalid

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var pattern = regexp.MustCompile(`^\d{6}[-+ABCDEFUVWXY]\d{3}[0-9A-Y]$`)

// LooksValid reports whether s has the shape of a Finnish personal identity code.
func LooksValid(s string) bool {
	return pattern.MatchString(strings.ToUpper(strings.TrimSpace(s)))
}

// Hasher derives the lookup hash.
type Hasher struct {
	secret []byte
}

func NewHasher(secret string) (*Hasher, error) {
	if secret == "" {
		return nil, errors.New("hash secret is required")
	}
	return &Hasher{secret: []byte(secret)}, nil
}

// Hash returns the hex HMAC-SHA256 of the normalised value.
func (h *Hasher) Hash(value string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(strings.ToUpper(strings.TrimSpace(value))))
	return hex.EncodeToString(mac.Sum(nil))
}

// Cipher encrypts and decrypts short secrets: national ids and export job passwords.
type Cipher struct {
	key []byte
}

// NewCipher accepts a base64 encoded 32-byte key.
func NewCipher(encodedKey string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

// GenerateKey returns a fresh base64 key, used by tooling and tests.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}
