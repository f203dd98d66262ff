package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ SymbolSet = (*RedisSymbolSet)(nil)

// RedisSymbolSet stores a SymbolSet as a Redis set so several riskdesk
// processes share the same exit requests.
type RedisSymbolSet struct {
	rdb *redis.Client
	key string
}

// NewRedisClient creates a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedisSymbolSet returns a set stored under key.
func NewRedisSymbolSet(rdb *redis.Client, key string) *RedisSymbolSet {
	return &RedisSymbolSet{rdb: rdb, key: key}
}

func (s *RedisSymbolSet) Add(ctx context.Context, symbol string) error {
	return s.rdb.SAdd(ctx, s.key, symbol).Err()
}

func (s *RedisSymbolSet) Remove(ctx context.Context, symbol string) error {
	return s.rdb.SRem(ctx, s.key, symbol).Err()
}

func (s *RedisSymbolSet) Contains(ctx context.Context, symbol string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.key, symbol).Result()
}

// Members returns the symbols in sorted order.
func (s *RedisSymbolSet) Members(ctx context.Context) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
