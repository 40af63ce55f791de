package qrtoken

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer func() { _ = client.Close() }()

	s := NewRedisStore(client)
	s.prefix = "qrtoken-test:"
	tok := "integration-token"
	defer client.Del(ctx, s.key(tok))

	_, err := s.Lookup(ctx, tok)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Bind(ctx, tok, "unit-9"))
	b, err := s.Lookup(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, StateActive, b.State)
	assert.Equal(t, "unit-9", b.UnitID)

	require.NoError(t, s.Retire(ctx, tok, StateUsed))
	assert.ErrorIs(t, s.Retire(ctx, tok, StateUsed), ErrNotFound)

	b, err = s.Lookup(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, StateUsed, b.State)
	assert.Positive(t, client.TTL(ctx, s.key(tok)).Val())

	delivered := "integration-delivered"
	defer client.Del(ctx, s.key(delivered))
	require.NoError(t, s.Bind(ctx, delivered, "unit-9"))
	require.NoError(t, s.Retire(ctx, delivered, StateExpired))
	assert.Equal(t, time.Duration(-1), client.TTL(ctx, s.key(delivered)).Val(), "delivered labels never expire")
}

func TestRedisStore_TombstoneTTL(t *testing.T) {
	s := NewRedisStore(nil)
	assert.Equal(t, int64(90*24*3600), s.tombstoneTTL(StateUsed))
	assert.Zero(t, s.tombstoneTTL(StateExpired))
	s.TombstoneTTL = 0
	assert.Equal(t, int64(1), s.tombstoneTTL(StateUsed))
}
