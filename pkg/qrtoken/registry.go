package qrtoken

import (
	"context"
	"errors"
	"fmt"

	"github.com/vectornode/vectornode/pkg/errcode"
)

var (
	ErrInvalidToken = errcode.New(errcode.InvalidQRToken, "qr code does not exist")
	ErrTokenUsed    = errcode.New(errcode.TokenAlreadyUsed, "qr token was already used")
	ErrExpired      = errcode.New(errcode.QRExpired, "unit was already delivered")
)

// Registry couples an Issuer with a Store.
type Registry struct {
	issuer *Issuer
	store  Store
}

// NewRegistry creates a Registry.
func NewRegistry(issuer *Issuer, store Store) *Registry {
	return &Registry{issuer: issuer, store: store}
}

// Mint returns a new token without binding it. Callers bind it with Bind or
// Rotate once the unit row carrying it is committed.
func (r *Registry) Mint() (string, error) {
	return r.issuer.Mint()
}

// Bind registers an already minted token for unitID.
func (r *Registry) Bind(ctx context.Context, token, unitID string) error {
	return r.store.Bind(ctx, token, unitID)
}

// Issue mints and binds a token for unitID.
func (r *Registry) Issue(ctx context.Context, unitID string) (string, error) {
	tok, err := r.issuer.Mint()
	if err != nil {
		return "", err
	}
	if err := r.store.Bind(ctx, tok, unitID); err != nil {
		return "", err
	}
	return tok, nil
}

// Resolve returns the unit bound to an ACTIVE token.
func (r *Registry) Resolve(ctx context.Context, token string) (*Binding, error) {
	if err := r.issuer.Verify(token); err != nil {
		return nil, ErrInvalidToken
	}
	b, err := r.store.Lookup(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	switch b.State {
	case StateActive:
		return b, nil
	case StateUsed:
		return b, ErrTokenUsed
	case StateExpired:
		return b, ErrExpired
	default:
		return nil, fmt.Errorf("unknown token state %q", b.State)
	}
}

// Rotate retires old and binds next for unitID. When final is set, the unit
// has been delivered: old becomes EXPIRED and next may be empty.
func (r *Registry) Rotate(ctx context.Context, old, next, unitID string, final bool) error {
	state := StateUsed
	if final {
		state = StateExpired
	}
	if err := r.store.Retire(ctx, old, state); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenUsed
		}
		return err
	}
	if next == "" {
		return nil
	}
	return r.store.Bind(ctx, next, unitID)
}
