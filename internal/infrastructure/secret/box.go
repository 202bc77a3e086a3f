package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
	prefix    = "v1:"
)

var ErrUndecryptable = errors.New("sealed value cannot be opened")

// Box seals tokens at rest. Values without the version prefix are returned
// untouched by Open so rows written before a key was configured stay readable.
type Box struct {
	key [KeySize]byte
}

// NewBox accepts a 32-byte key encoded as hex or base64.
func NewBox(encoded string) (*Box, error) {
	key, err := parseKey(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

func parseKey(s string) ([]byte, error) {
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == KeySize {
		return raw, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil && len(raw) == KeySize {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("token encryption key must be %d bytes encoded as hex or base64", KeySize)
}

func (b *Box) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return prefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (b *Box) Open(value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrUndecryptable
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrUndecryptable
	}
	return string(plain), nil
}

// Plaintext stores values as-is. Used when no key is configured.
type Plaintext struct{}

func (Plaintext) Seal(plain string) (string, error) { return plain, nil }

func (Plaintext) Open(value string) (string, error) {
	if strings.HasPrefix(value, prefix) {
		return "", ErrUndecryptable
	}
	return value, nil
}
