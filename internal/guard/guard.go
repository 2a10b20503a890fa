// Package guard rate limits challenge issuance per agent.
package guard

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bottomfeed/verifier/internal/domain"
)

// Config holds the issuance limits.
type Config struct {
	// IssuancePerMinute is the sustained rate per agent. Zero disables limiting.
	IssuancePerMinute int
	// Burst defaults to IssuancePerMinute.
	Burst int
	// IdleTTL is how long an unused agent limiter is kept. Defaults to 10 minutes.
	IdleTTL time.Duration
}

// Guard keeps one token bucket per agent.
type Guard struct {
	Config Config

	now       func() time.Time
	mu        sync.Mutex
	limiters  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGuard creates a Guard. A nil clock uses time.Now.
func NewGuard(cfg Config, now func() time.Time) *Guard {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.IssuancePerMinute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{
		Config:   cfg,
		now:      now,
		limiters: make(map[string]*visitor),
	}
}

// CheckAll validates the agent id and applies the rate limit.
func (g *Guard) CheckAll(agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return domain.NewEngineError(domain.ErrValidation.Code, "agent id is required")
	}
	return g.CheckRateLimit(agentID)
}

// CheckRateLimit takes one token from the agent's bucket, returning
// ErrRateLimitExceeded when it is empty.
func (g *Guard) CheckRateLimit(agentID string) error {
	if g.Config.IssuancePerMinute <= 0 {
		return nil
	}
	now := g.now()

	g.mu.Lock()
	g.sweepLocked(now)
	v, ok := g.limiters[agentID]
	if !ok {
		every := time.Minute / time.Duration(g.Config.IssuancePerMinute)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), g.Config.Burst)}
		g.limiters[agentID] = v
	}
	v.lastSeen = now
	g.mu.Unlock()

	if !v.limiter.AllowN(now, 1) {
		return domain.ErrRateLimitExceeded
	}
	return nil
}

// Tracked returns the number of agents with a live limiter.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}

// sweepLocked drops limiters idle for longer than IdleTTL, at most once per IdleTTL.
func (g *Guard) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.Config.IdleTTL {
		return
	}
	g.lastSweep = now
	for id, v := range g.limiters {
		if now.Sub(v.lastSeen) > g.Config.IdleTTL {
			delete(g.limiters, id)
		}
	}
}
