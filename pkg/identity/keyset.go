// Package identity signs and verifies the bearer tokens the API accepts.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// KeySet manages the active signing key and verification of past keys, so
// keys can rotate without invalidating live sessions.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// maxKeys bounds how many retired keys stay valid for verification.
const maxKeys = 10

// InMemoryKeySet holds Ed25519 keys in memory.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	order      []string
	keys       map[string]ed25519.PrivateKey
}

// NewInMemoryKeySet creates a key set with a random initial key. Tokens do
// not survive a restart; use NewSeededKeySet outside development.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewSeededKeySet derives the signing key from secret with HKDF-SHA256, so
// every instance sharing the secret signs and verifies the same tokens.
func NewSeededKeySet(secret []byte) (*InMemoryKeySet, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth secret must not be empty")
	}
	seed := make([]byte, ed25519.SeedSize)
	r := hkdf.New(sha256.New, secret, []byte("vectornode-auth-kdf"), []byte("jwt-ed25519-seed"))
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive signing seed: %w", err)
	}
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	ks.add(ed25519.NewKeyFromSeed(seed))
	return ks, nil
}

// kid names a key by its public half.
func kid(key ed25519.PrivateKey) string {
	sum := sha256.Sum256(key.Public().(ed25519.PublicKey))
	return "ed25519-" + hex.EncodeToString(sum[:8])
}

func (ks *InMemoryKeySet) add(key ed25519.PrivateKey) {
	id := kid(key)
	if _, ok := ks.keys[id]; !ok {
		ks.order = append(ks.order, id)
	}
	ks.keys[id] = key
	ks.currentKID = id
	for len(ks.order) > maxKeys {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
}

// Rotate makes a fresh random key current. Older keys keep verifying until
// they fall out of the retention window.
func (ks *InMemoryKeySet) Rotate() error {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.add(key)
	return nil
}

func (ks *InMemoryKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	id := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", errors.New("no active key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = id
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		id, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("missing kid in header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[id]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", id)
		}
		return key.Public(), nil
	}
}
