package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "authrl:"

var ErrRedisUnavailable = errors.New("redis unavailable")

// recordFailureScript increments the counter and starts the window in one
// step. A key that lost its TTL gets a fresh one.
var recordFailureScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

type Redis struct {
	client redis.UniversalClient
	cfg    Config
}

func NewRedis(client redis.UniversalClient, cfg Config) *Redis {
	return &Redis{client: client, cfg: cfg.withDefaults()}
}

func (l *Redis) Limited(ctx context.Context, key string) (bool, time.Duration, error) {
	fullKey := keyPrefix + key

	count, err := l.client.Get(ctx, fullKey).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < l.cfg.MaxAttempts {
		return false, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry.
	switch ttl {
	case -2:
		return false, 0, nil
	case -1:
		if err := l.client.PExpire(ctx, fullKey, l.cfg.Window).Err(); err != nil {
			return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		ttl = l.cfg.Window
	}

	return true, retryAfterFloor(ttl), nil
}

func (l *Redis) RecordFailure(ctx context.Context, key string) error {
	err := recordFailureScript.Run(ctx, l.client, []string{keyPrefix + key}, l.cfg.Window.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Redis) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Cleanup is a no-op: Redis expires keys on its own.
func (l *Redis) Cleanup(context.Context) (int, error) {
	return 0, nil
}

func (l *Redis) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	iter := l.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		stats.TotalClients++
		count, err := l.client.Get(ctx, iter.Val()).Int()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return Stats{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count >= l.cfg.MaxAttempts {
			stats.BlockedClients++
		}
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return stats, nil
}
