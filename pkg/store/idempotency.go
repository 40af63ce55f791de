package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/vectornode/vectornode/pkg/api"
)

// IdempotencyStore keeps replayable responses in the idempotency_keys table
// so retries survive a restart.
type IdempotencyStore struct {
	s   *Store
	ttl time.Duration
	now func() time.Time
}

// Idempotency returns an api.IdempotencyStorer backed by s.
func (s *Store) Idempotency(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{s: s, ttl: ttl, now: time.Now}
}

// Check returns the cached response for key if it is within the TTL.
func (i *IdempotencyStore) Check(ctx context.Context, key string) (*api.CachedResponse, bool) {
	var (
		resp api.CachedResponse
		at   timeCol
	)
	err := i.s.conn().row(ctx, `SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE key = ?`, key).
		Scan(&resp.StatusCode, &resp.ContentType, &resp.Body, &at)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	resp.CachedAt = at.T
	if i.now().Sub(resp.CachedAt) >= i.ttl {
		_, _ = i.s.conn().exec(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
		return nil, false
	}
	return &resp, true
}

// Set stores resp under key, replacing an expired entry.
func (i *IdempotencyStore) Set(ctx context.Context, key string, resp *api.CachedResponse) {
	_, err := i.s.conn().exec(ctx, `INSERT INTO idempotency_keys (key, status_code, content_type, body, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET status_code = excluded.status_code, content_type = excluded.content_type,
			body = excluded.body, cached_at = excluded.cached_at`,
		key, resp.StatusCode, resp.ContentType, resp.Body, i.s.ts(i.now()))
	if err != nil {
		// best effort: the request already succeeded
		slog.WarnContext(ctx, "idempotency: failed to store key", "error", err)
	}
}

// Cleanup removes entries older than the TTL.
func (i *IdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := i.s.conn().exec(ctx, `DELETE FROM idempotency_keys WHERE cached_at < ?`, i.s.ts(i.now().Add(-i.ttl)))
	if err != nil {
		return 0, err
	}
	return affected(res)
}
