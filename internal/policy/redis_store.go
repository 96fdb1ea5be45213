package policy

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "aero:sbc:"

// RedisStore keeps each List in a Redis set named <prefix><list>.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedisStore connects to addr and verifies the connection with PING.
func DialRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("policy: redis %s: %w", addr, err)
	}
	return NewRedisStore(client, ""), nil
}

func (s *RedisStore) key(list List) string {
	return s.prefix + string(list)
}

func (s *RedisStore) Add(ctx context.Context, list List, ip string) error {
	return s.client.SAdd(ctx, s.key(list), ip).Err()
}

func (s *RedisStore) Remove(ctx context.Context, list List, ip string) error {
	return s.client.SRem(ctx, s.key(list), ip).Err()
}

func (s *RedisStore) Contains(ctx context.Context, list List, ip string) (bool, error) {
	return s.client.SIsMember(ctx, s.key(list), ip).Result()
}

func (s *RedisStore) Len(ctx context.Context, list List) (int, error) {
	n, err := s.client.SCard(ctx, s.key(list)).Result()
	return int(n), err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
