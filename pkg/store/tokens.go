package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vectornode/vectornode/pkg/qrtoken"
)

// TokenStore keeps QR token bindings in the qr_tokens table, so tokens
// survive restarts without Redis.
type TokenStore struct {
	s *Store
}

// Tokens returns the SQL-backed qrtoken.Store.
func (s *Store) Tokens() *TokenStore {
	return &TokenStore{s: s}
}

func (t *TokenStore) Bind(ctx context.Context, token, unitID string) error {
	_, err := t.s.conn().exec(ctx, `INSERT INTO qr_tokens (token, unit_id, state, updated_at) VALUES (?, ?, ?, ?)`,
		token, unitID, string(qrtoken.StateActive), t.s.ts(time.Now()))
	if err != nil {
		return fmt.Errorf("bind qr token: %w", err)
	}
	return nil
}

func (t *TokenStore) Lookup(ctx context.Context, token string) (*qrtoken.Binding, error) {
	var (
		b  = qrtoken.Binding{Token: token}
		at timeCol
	)
	err := t.s.conn().row(ctx, `SELECT unit_id, state, updated_at FROM qr_tokens WHERE token = ?`, token).
		Scan(&b.UnitID, &b.State, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qrtoken.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup qr token: %w", err)
	}
	b.UpdatedAt = at.T
	return &b, nil
}

func (t *TokenStore) Retire(ctx context.Context, token string, state qrtoken.State) error {
	res, err := t.s.conn().exec(ctx, `UPDATE qr_tokens SET state = ?, updated_at = ? WHERE token = ? AND state = ?`,
		string(state), t.s.ts(time.Now()), token, string(qrtoken.StateActive))
	if err != nil {
		return fmt.Errorf("retire qr token: %w", err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return qrtoken.ErrNotFound
	}
	return nil
}

var _ qrtoken.Store = (*TokenStore)(nil)
