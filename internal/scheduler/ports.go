package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
)

// Locker is the distributed run lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Cache is the short-TTL dedup cache.
type Cache interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// SessionRepository is the durable store as seen by the scheduler. Every
// state change is a conditional write keyed by the expected prior state.
type SessionRepository interface {
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	GetDueSessions(ctx context.Context, now time.Time, limit int) ([]domain.DueSession, error)
	CreateSession(ctx context.Context, spec domain.SessionSpec) (*domain.Session, error)
	MarkDispatched(ctx context.Context, sessionID string, at time.Time) error
	RecordDispatchFailure(ctx context.Context, sessionID string) (int, error)
	RecordAnswer(ctx context.Context, sessionID, answer string, at time.Time) error
	ListOpenSessions(ctx context.Context, limit int) ([]domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetActiveSession(ctx context.Context, agentID string) (*domain.Session, error)
	GetChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error)
	RecordOutcome(ctx context.Context, sessionID string, expectedPrior domain.SessionState, res domain.Resolution, apply func(*domain.Agent)) (*domain.Session, error)
	ForceNextBurst(ctx context.Context, agentID string, at time.Time) error
	UpdateAgent(ctx context.Context, agentID string, now time.Time, fn func(*domain.Agent) error, rec *domain.AuditRecord) (*domain.Agent, error)
	SavePost(ctx context.Context, p domain.Post) error
}

// Transport delivers an issued challenge to an agent.
type Transport interface {
	Dispatch(ctx context.Context, agent *domain.Agent, ch domain.IssuedChallenge) (domain.Delivery, error)
}

// ChallengeSource selects the next challenge for an agent.
type ChallengeSource interface {
	Select(ctx context.Context, agentID string) (domain.Challenge, error)
}

// Enricher adds the fingerprint and behavioral profile to a verdict. Enrich
// must not persist anything; Commit saves the profile once the verdict has
// been recorded.
type Enricher interface {
	Enrich(ctx context.Context, agent *domain.Agent) (domain.Enrichment, error)
	Commit(ctx context.Context, snap *domain.ProfileSnapshot) error
}

// Recorder receives tick telemetry.
type Recorder interface {
	RecordTick(ctx context.Context, summary domain.TickSummary, elapsed time.Duration)
}

// Rand is the random source for burst jitter.
type Rand interface {
	Int64N(n int64) int64
}

type globalRand struct{}

func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }

type nopRecorder struct{}

func (nopRecorder) RecordTick(context.Context, domain.TickSummary, time.Duration) {}
