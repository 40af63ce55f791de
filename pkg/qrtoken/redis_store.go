package qrtoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// retireScript flips an ACTIVE binding to the requested state and, for a
// positive ttl, expires the tombstone, atomically.
// KEYS[1] = binding key
// ARGV[1] = new state
// ARGV[2] = updated_at (RFC3339)
// ARGV[3] = tombstone ttl (seconds)
var retireScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if state ~= "ACTIVE" then
    return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[1], "updated_at", ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
end
return 1
`)

// RedisStore implements Store using Redis hashes. Active bindings and
// EXPIRED labels of delivered units never expire, so a delivered label
// always reads as delivered. USED tombstones are kept for TombstoneTTL.
type RedisStore struct {
	client       redis.UniversalClient
	prefix       string
	TombstoneTTL time.Duration
}

// NewRedisStore creates a store backed by client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "qrtoken:", TombstoneTTL: 90 * 24 * time.Hour}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

func (s *RedisStore) Bind(ctx context.Context, token, unitID string) error {
	err := s.client.HSet(ctx, s.key(token),
		"unit_id", unitID,
		"state", string(StateActive),
		"updated_at", time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("redis bind: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, token string) (*Binding, error) {
	vals, err := s.client.HGetAll(ctx, s.key(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis lookup: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	b := &Binding{Token: token, UnitID: vals["unit_id"], State: State(vals["state"])}
	if ts, err := time.Parse(time.RFC3339, vals["updated_at"]); err == nil {
		b.UpdatedAt = ts
	}
	return b, nil
}

// tombstoneTTL is the lifetime in seconds of a token retired into state;
// zero keeps it forever.
func (s *RedisStore) tombstoneTTL(state State) int64 {
	if state == StateExpired {
		return 0
	}
	return max(int64(s.TombstoneTTL/time.Second), 1)
}

func (s *RedisStore) Retire(ctx context.Context, token string, state State) error {
	res, err := retireScript.Run(ctx, s.client, []string{s.key(token)},
		string(state), time.Now().UTC().Format(time.RFC3339), s.tombstoneTTL(state),
	).Int()
	if err != nil {
		return fmt.Errorf("redis retire: %w", err)
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}
