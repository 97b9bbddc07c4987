package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a cross-process claim on a run id.
type Lease interface {
	Acquire(ctx context.Context, runID string, ttl time.Duration) (token string, ok bool, err error)
	Refresh(ctx context.Context, runID, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, runID, token string) error
}

const leaseKeyPrefix = "research:run-lease:"

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisLease stores run claims as expiring Redis keys holding a random token.
type RedisLease struct {
	client redis.UniversalClient
}

func NewRedisLease(client redis.UniversalClient) *RedisLease {
	return &RedisLease{client: client}
}

// NewRedisLeaseFromURL parses a redis:// URL and checks the server answers.
func NewRedisLeaseFromURL(ctx context.Context, rawURL string) (*RedisLease, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisLease(client), client, nil
}

func (l *RedisLease) Acquire(ctx context.Context, runID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKeyPrefix+runID, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLease) Refresh(ctx context.Context, runID, token string, ttl time.Duration) (bool, error) {
	result, err := refreshScript.Run(ctx, l.client, []string{leaseKeyPrefix + runID}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, runID, token string) error {
	err := releaseScript.Run(ctx, l.client, []string{leaseKeyPrefix + runID}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
