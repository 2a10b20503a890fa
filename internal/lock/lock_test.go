package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemory_AcquireRelease(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(clk.Now)
	ctx := context.Background()

	tok, ok, err := m.Acquire(ctx, "tick", time.Minute)
	if err != nil || !ok || tok == "" {
		t.Fatalf("first Acquire: tok=%q ok=%v err=%v", tok, ok, err)
	}
	if _, ok, _ := m.Acquire(ctx, "tick", time.Minute); ok {
		t.Fatal("second Acquire should fail while held")
	}

	// A stale token must not release someone else's lock.
	if err := m.Release(ctx, "tick", "not-the-owner"); !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("Release by non-owner: err = %v, want ErrLockLost", err)
	}
	if _, ok, _ := m.Acquire(ctx, "tick", time.Minute); ok {
		t.Fatal("lock released by non-owner")
	}

	if err := m.Release(ctx, "tick", tok); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok, _ := m.Acquire(ctx, "tick", time.Minute); !ok {
		t.Fatal("Acquire after release should succeed")
	}
}

func TestMemory_Expiry(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(clk.Now)
	ctx := context.Background()

	if _, ok, _ := m.Acquire(ctx, "tick", 10*time.Second); !ok {
		t.Fatal("Acquire failed")
	}
	clk.Advance(9 * time.Second)
	if _, ok, _ := m.Acquire(ctx, "tick", 10*time.Second); ok {
		t.Fatal("lock expired early")
	}
	clk.Advance(time.Second)
	if _, ok, _ := m.Acquire(ctx, "tick", 10*time.Second); !ok {
		t.Fatal("expired lock not reclaimed")
	}
}

func TestMemory_ReleaseAfterExpiryIsLost(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(clk.Now)
	ctx := context.Background()

	tok, _, _ := m.Acquire(ctx, "tick", 10*time.Second)
	clk.Advance(10 * time.Second)
	if err := m.Release(ctx, "tick", tok); !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("expired Release: err = %v, want ErrLockLost", err)
	}

	tok, _, _ = m.Acquire(ctx, "tick", 10*time.Second)
	clk.Advance(10 * time.Second)
	other, ok, _ := m.Acquire(ctx, "tick", 10*time.Second)
	if !ok {
		t.Fatal("expired lock not reclaimed")
	}
	if err := m.Release(ctx, "tick", tok); !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("Release of reassigned lock: err = %v, want ErrLockLost", err)
	}
	if err := m.Release(ctx, "tick", other); err != nil {
		t.Fatalf("new owner Release: %v", err)
	}
}

func TestMemory_SetNX(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(clk.Now)
	ctx := context.Background()

	if seen, _ := m.Exists(ctx, "nonce:abc"); seen {
		t.Fatal("Exists before SetNX")
	}
	if ok, _ := m.SetNX(ctx, "nonce:abc", time.Minute); !ok {
		t.Fatal("first SetNX should succeed")
	}
	if seen, _ := m.Exists(ctx, "nonce:abc"); !seen {
		t.Fatal("Exists after SetNX should report the key")
	}
	if ok, _ := m.SetNX(ctx, "nonce:abc", time.Minute); ok {
		t.Fatal("duplicate SetNX should fail")
	}
	clk.Advance(time.Minute)
	if seen, _ := m.Exists(ctx, "nonce:abc"); seen {
		t.Fatal("Exists after ttl")
	}
	if ok, _ := m.SetNX(ctx, "nonce:abc", time.Minute); !ok {
		t.Fatal("SetNX after ttl should succeed")
	}
}

func TestMemory_ConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := m.Acquire(ctx, "tick", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}
