// Package symbolstore is the shared second-level cache of parsed symbol
// tables, backed by a Redis instance configured as an LRU.
package symbolstore

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/g-k/tecken/internal/symbols"
)

// Client abstracts the minimal Redis surface the store needs, so tests can
// fake it without a server.
type Client interface {
	MGet(ctx context.Context, keys ...string) ([]interface{}, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// GoRedisClient adapts *redis.Client to Client.
type GoRedisClient struct {
	c *redis.Client
}

// NewGoRedisClient wraps an already configured go-redis client.
func NewGoRedisClient(c *redis.Client) *GoRedisClient {
	return &GoRedisClient{c: c}
}

func (g *GoRedisClient) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	return g.c.MGet(ctx, keys...).Result()
}

func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.c.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisClient) Ping(ctx context.Context) error {
	return g.c.Ping(ctx).Err()
}

// Store maps module keys to parsed symbol tables. Positive entries live
// until the backing LRU evicts them; negative entries ("we tried, nothing
// there") expire after NegativeTTL. Writes are last-write-wins, which is
// safe because a parse is a deterministic function of the file content.
type Store struct {
	client      Client
	negativeTTL time.Duration
	logger      *zap.Logger
}

// New builds a Store. negativeTTL bounds how long a failed lookup is
// remembered.
func New(client Client, negativeTTL time.Duration, logger *zap.Logger) *Store {
	if negativeTTL <= 0 {
		negativeTTL = time.Hour
	}
	return &Store{client: client, negativeTTL: negativeTTL, logger: logger}
}

func storeKey(key symbols.Key) string {
	return "symbol:" + key.DebugFile + "/" + key.DebugID
}

// BulkGet fetches every key in one round-trip. Keys the store has never
// seen are absent from the result; a stored negative comes back as the
// empty table.
func (s *Store) BulkGet(ctx context.Context, keys []symbols.Key) (map[symbols.Key]*symbols.Map, error) {
	if len(keys) == 0 {
		return map[symbols.Key]*symbols.Map{}, nil
	}
	storeKeys := make([]string, len(keys))
	for i, k := range keys {
		storeKeys[i] = storeKey(k)
	}
	values, err := s.client.MGet(ctx, storeKeys...)
	if err != nil {
		return nil, err
	}

	result := make(map[symbols.Key]*symbols.Map, len(keys))
	for i, k := range keys {
		if i >= len(values) || values[i] == nil {
			continue
		}
		raw, ok := values[i].(string)
		if !ok {
			s.logger.Warn("unexpected value type in symbol store",
				zap.String("key", storeKeys[i]))
			continue
		}
		if raw == "" {
			result[k] = symbols.Empty
			continue
		}
		m, err := decodeMap([]byte(raw))
		if err != nil {
			// A corrupt entry behaves like a miss; the next
			// download overwrites it.
			s.logger.Warn("corrupt symbol table in store",
				zap.String("key", storeKeys[i]), zap.Error(err))
			continue
		}
		result[k] = m
	}
	return result, nil
}

// PutPositive stores a parsed table with no TTL; eviction is the backing
// store's LRU pressure.
func (s *Store) PutPositive(ctx context.Context, key symbols.Key, m *symbols.Map) (int, error) {
	payload, err := encodeMap(m)
	if err != nil {
		return 0, err
	}
	if err := s.client.Set(ctx, storeKey(key), payload, 0); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// PutNegative stores the negative sentinel so failing lookups are not
// retried until the TTL lapses.
func (s *Store) PutNegative(ctx context.Context, key symbols.Key) error {
	return s.client.Set(ctx, storeKey(key), []byte{}, s.negativeTTL)
}

// Ping verifies the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
