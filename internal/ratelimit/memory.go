package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	attempts int
	resetAt  time.Time
}

// Memory keeps counters in a mutex-guarded map. It is only correct for a
// single process; use Redis when several instances serve the same clients.
type Memory struct {
	mu        sync.Mutex
	cfg       Config
	entries   map[string]entry
	maxMemory int
	now       func() time.Time
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:       cfg.withDefaults(),
		entries:   make(map[string]entry),
		maxMemory: 5000,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Limited(_ context.Context, key string) (bool, time.Duration, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !now.Before(e.resetAt) {
		return false, 0, nil
	}
	if e.attempts < m.cfg.MaxAttempts {
		return false, 0, nil
	}

	return true, retryAfterFloor(e.resetAt.Sub(now)), nil
}

func (m *Memory) RecordFailure(_ context.Context, key string) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = entry{attempts: 0, resetAt: now.Add(m.cfg.Window)}
	}
	e.attempts++
	m.entries[key] = e

	if len(m.entries) > m.maxMemory {
		m.sweepLocked(now)
	}

	return nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Cleanup(_ context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sweepLocked(now), nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{TotalClients: len(m.entries)}
	for _, e := range m.entries {
		if now.Before(e.resetAt) && e.attempts >= m.cfg.MaxAttempts {
			stats.BlockedClients++
		}
	}
	return stats, nil
}

func (m *Memory) sweepLocked(now time.Time) int {
	removed := 0
	for key, e := range m.entries {
		if !now.Before(e.resetAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}
