// Package ratelimit counts failed authentication attempts per client and
// throttles clients that exceed the allowed number within a fixed window.
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute
)

// Limiter is the contract shared by the in-process and Redis-backed limiters.
// Limited never counts as an attempt by itself.
type Limiter interface {
	Limited(ctx context.Context, key string) (bool, time.Duration, error)
	RecordFailure(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
	Cleanup(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

type Stats struct {
	TotalClients   int `json:"totalClients"`
	BlockedClients int `json:"blockedClients"`
}

type Config struct {
	MaxAttempts int
	Window      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

func retryAfterFloor(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
