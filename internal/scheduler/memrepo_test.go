package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/lock"
	"github.com/bottomfeed/verifier/internal/nonce"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const arithmeticPrompt = "What is 847 * 293?"

// memRepo is an in-memory SessionRepository with the same conditional-write
// rules as the SQLite store.
type memRepo struct {
	mu         sync.Mutex
	agents     map[string]*domain.Agent
	agentOrder []string
	sessions   map[string]*domain.Session
	order      []string
	challenges map[string]domain.Challenge
	posts      []domain.Post
	audit      []domain.AuditRecord
	seq        int
}

func newMemRepo() *memRepo {
	return &memRepo{
		agents:     make(map[string]*domain.Agent),
		sessions:   make(map[string]*domain.Session),
		challenges: make(map[string]domain.Challenge),
	}
}

func (r *memRepo) addAgent(a domain.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.Tier == "" {
		a.Tier = domain.TierUnverified
	}
	if a.NextBurstAt.IsZero() {
		a.NextBurstAt = t0
	}
	a.Version = 1
	r.agents[a.AgentID] = &a
	r.agentOrder = append(r.agentOrder, a.AgentID)
}

func (r *memRepo) agent(id string) domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.agents[id]
}

func (r *memRepo) sessionsFor(agentID string) []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, id := range r.order {
		if s := r.sessions[id]; s.AgentID == agentID {
			out = append(out, *s)
		}
	}
	return out
}

func (r *memRepo) activeLocked(agentID string) *domain.Session {
	for _, id := range r.order {
		s := r.sessions[id]
		if s.AgentID == agentID && !s.State.Terminal() {
			return s
		}
	}
	return nil
}

func (r *memRepo) GetAgent(_ context.Context, agentID string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) GetDueSessions(_ context.Context, now time.Time, limit int) ([]domain.DueSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DueSession
	for _, id := range r.agentOrder {
		a := r.agents[id]
		if a.Tier == domain.TierBanned || a.NextBurstAt.After(now) || r.activeLocked(id) != nil {
			continue
		}
		out = append(out, domain.DueSession{AgentID: id, Tier: a.Tier, NextBurstAt: a.NextBurstAt})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) CreateSession(_ context.Context, spec domain.SessionSpec) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec.Window <= 0 {
		return nil, domain.ErrValidation
	}
	if r.activeLocked(spec.AgentID) != nil {
		return nil, domain.ErrConflict
	}
	r.seq++
	ch := spec.Challenge
	if ch.ChallengeID == "" {
		ch.ChallengeID = fmt.Sprintf("ch-%d", r.seq)
	}
	ch.IssuedAt = spec.IssuedAt
	r.challenges[ch.ChallengeID] = ch

	sess := &domain.Session{
		SessionID:   fmt.Sprintf("sess-%d", r.seq),
		AgentID:     spec.AgentID,
		ChallengeID: ch.ChallengeID,
		Kind:        spec.Kind,
		State:       domain.SessionChallengeSent,
		Nonce:       spec.Nonce,
		IssuedAt:    spec.IssuedAt,
		Deadline:    spec.IssuedAt.Add(spec.Window),
		Outcome:     domain.OutcomePending,
		CreatedAt:   spec.IssuedAt,
	}
	r.sessions[sess.SessionID] = sess
	r.order = append(r.order, sess.SessionID)
	cp := *sess
	return &cp, nil
}

func (r *memRepo) MarkDispatched(_ context.Context, sessionID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if s.State != domain.SessionChallengeSent {
		return domain.ErrStaleState
	}
	s.State = domain.SessionAwaitingResponse
	return nil
}

func (r *memRepo) RecordDispatchFailure(_ context.Context, sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	if s.State != domain.SessionChallengeSent {
		return 0, domain.ErrStaleState
	}
	s.DispatchAttempts++
	return s.DispatchAttempts, nil
}

func (r *memRepo) RecordAnswer(_ context.Context, sessionID, answer string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if s.State != domain.SessionAwaitingResponse || s.HasAnswer() {
		return domain.ErrStaleState
	}
	s.Answer, s.AnsweredAt = answer, at
	return nil
}

func (r *memRepo) ListOpenSessions(_ context.Context, limit int) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, id := range r.order {
		if s := r.sessions[id]; !s.State.Terminal() {
			out = append(out, *s)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) GetActiveSession(_ context.Context, agentID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.activeLocked(agentID)
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) GetChallenge(_ context.Context, challengeID string) (*domain.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.challenges[challengeID]
	if !ok {
		return nil, domain.ErrChallengeNotFound
	}
	return &ch, nil
}

func (r *memRepo) RecordOutcome(_ context.Context, sessionID string, expectedPrior domain.SessionState, res domain.Resolution, apply func(*domain.Agent)) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if s.State.Terminal() {
		if s.Outcome == res.Outcome {
			cp := *s
			return &cp, nil
		}
		return nil, domain.ErrSessionResolved
	}
	if s.State != expectedPrior {
		return nil, domain.ErrStaleState
	}
	a := r.agents[s.AgentID]
	if apply != nil {
		apply(a)
	}
	if res.NextBurstAt.After(a.NextBurstAt) {
		a.NextBurstAt = res.NextBurstAt
	}
	a.Version++
	s.State = res.Outcome.State()
	s.Outcome = res.Outcome
	s.ResolvedAt = res.ResolvedAt
	s.NextBurstAt = a.NextBurstAt
	cp := *s
	return &cp, nil
}

func (r *memRepo) ForceNextBurst(_ context.Context, agentID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return domain.ErrAgentNotFound
	}
	if r.activeLocked(agentID) != nil {
		return domain.ErrConflict
	}
	a.NextBurstAt = at
	return nil
}

func (r *memRepo) UpdateAgent(_ context.Context, agentID string, now time.Time, fn func(*domain.Agent) error, rec *domain.AuditRecord) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	cp := *a
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.Version++
	cp.UpdatedAt = now
	*a = cp
	if rec != nil {
		rec.AgentID = agentID
		rec.CreatedAt = now
		r.audit = append(r.audit, *rec)
	}
	return &cp, nil
}

func (r *memRepo) SavePost(_ context.Context, p domain.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, p)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fixedRand always draws n, clamped into range.
type fixedRand int64

func (f fixedRand) Int64N(n int64) int64 {
	if int64(f) >= n {
		return n - 1
	}
	return int64(f)
}

type transportFunc func(ctx context.Context, agent *domain.Agent, ch domain.IssuedChallenge) (domain.Delivery, error)

func (f transportFunc) Dispatch(ctx context.Context, agent *domain.Agent, ch domain.IssuedChallenge) (domain.Delivery, error) {
	return f(ctx, agent, ch)
}

var pullTransport = transportFunc(func(context.Context, *domain.Agent, domain.IssuedChallenge) (domain.Delivery, error) {
	return domain.Delivery{}, nil
})

func answering(answer string) Transport {
	return transportFunc(func(context.Context, *domain.Agent, domain.IssuedChallenge) (domain.Delivery, error) {
		return domain.Delivery{Answered: true, Answer: answer}, nil
	})
}

type staticSource struct{}

func (staticSource) Select(context.Context, string) (domain.Challenge, error) {
	return domain.Challenge{
		Prompt:     arithmeticPrompt,
		Category:   domain.CategoryReasoning,
		Commitment: nonce.MustCommit(nonce.SchemeExact, "248171"),
	}, nil
}

type harness struct {
	s     *Scheduler
	repo  *memRepo
	clk   *testClock
	locks *lock.Memory
}

func testConfig() Config {
	return Config{
		SpotCheckMin:        2 * time.Hour,
		SpotCheckMax:        4 * time.Hour,
		RecheckInterval:     5 * time.Minute,
		RecheckMax:          40 * time.Minute,
		MaxDispatchAttempts: 3,
		DispatchTimeout:     time.Second,
		Concurrency:         4,
	}
}

func newHarness(t *testing.T, tr Transport) *harness {
	t.Helper()
	clk := &testClock{t: t0}
	repo := newMemRepo()
	locks := lock.NewMemory(clk.Now)
	s := New(testConfig(), Deps{
		Repo:      repo,
		Locker:    locks,
		Transport: tr,
		Source:    staticSource{},
		Dedup:     locks,
		Now:       clk.Now,
		Rand:      fixedRand(90),
	})
	return &harness{s: s, repo: repo, clk: clk, locks: locks}
}
