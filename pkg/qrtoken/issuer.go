// Package qrtoken issues and tracks the single-use tokens printed in unit QR
// codes. A token is an opaque nonce with a MAC, so forged tokens are rejected
// before any store lookup.
package qrtoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize = 18
	macSize   = 16
)

var ErrMalformed = errors.New("malformed or forged qr token")

// Issuer mints and verifies QR tokens.
type Issuer struct {
	key []byte
}

// NewIssuer derives the MAC key from secret with HKDF-SHA256.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("qr secret must not be empty")
	}
	r := hkdf.New(sha256.New, secret, []byte("vectornode-qr-kdf"), []byte("qr-token-mac"))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return &Issuer{key: key}, nil
}

// Mint returns a fresh token.
func (i *Issuer) Mint() (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	return encode(nonce) + "." + encode(i.mac(nonce)), nil
}

// Verify checks the token's MAC.
func (i *Issuer) Verify(token string) error {
	nonceB64, macB64, ok := strings.Cut(token, ".")
	if !ok {
		return ErrMalformed
	}
	nonce, err := base64.RawURLEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != nonceSize {
		return ErrMalformed
	}
	mac, err := base64.RawURLEncoding.DecodeString(macB64)
	if err != nil || len(mac) != macSize {
		return ErrMalformed
	}
	if !hmac.Equal(mac, i.mac(nonce)) {
		return ErrMalformed
	}
	return nil
}

func (i *Issuer) mac(nonce []byte) []byte {
	h := hmac.New(sha256.New, i.key)
	h.Write(nonce)
	return h.Sum(nil)[:macSize]
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
