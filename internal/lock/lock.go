// Package lock provides the scheduler's run lock and the short-TTL dedup
// cache, backed by Redis across processes or by memory within one.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bottomfeed/verifier/internal/domain"
)

// Locker is a mutual-exclusion primitive with expiry. Acquire reports false
// without error when another holder owns the key. Release returns
// domain.ErrLockLost when token no longer owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Cache is a short-TTL key set used for deduplication. SetNX reports whether
// the key was newly set; Exists checks without claiming. Backend failures
// match domain.ErrCacheUnavailable.
type Cache interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type entry struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Locker and Cache. Expired keys are reclaimed lazily.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory creates a Memory store. A nil clock uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{entries: make(map[string]entry), now: now}
}

// Acquire takes key for ttl if it is free or expired.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	if !m.setNX(key, token, ttl) {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees key if token still owns it. An expired or reassigned key
// reports ErrLockLost and is left alone.
func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.token != token || !m.now().Before(e.expiresAt) {
		return domain.ErrLockLost
	}
	delete(m.entries, key)
	return nil
}

// SetNX sets key for ttl unless a live entry exists.
func (m *Memory) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return m.setNX(key, "1", ttl), nil
}

// Exists reports whether key holds a live entry.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && m.now().Before(e.expiresAt), nil
}

func (m *Memory) setNX(key, token string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	m.entries[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return true
}
