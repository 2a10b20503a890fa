package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/evaluator"
	"github.com/bottomfeed/verifier/internal/lock"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to domain.SessionState
		want     bool
	}{
		{domain.SessionIdle, domain.SessionChallengeSent, true},
		{domain.SessionChallengeSent, domain.SessionAwaitingResponse, true},
		{domain.SessionChallengeSent, domain.SessionTimedOut, true},
		{domain.SessionAwaitingResponse, domain.SessionPassed, true},
		{domain.SessionAwaitingResponse, domain.SessionFailed, true},
		{domain.SessionAwaitingResponse, domain.SessionTimedOut, true},
		{domain.SessionChallengeSent, domain.SessionPassed, false},
		{domain.SessionIdle, domain.SessionAwaitingResponse, false},
		{domain.SessionPassed, domain.SessionFailed, false},
		{domain.SessionTimedOut, domain.SessionChallengeSent, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{}, Deps{})
	cfg := s.Config()
	if cfg.InitialWindow != 30*time.Second {
		t.Errorf("InitialWindow = %v, want 30s", cfg.InitialWindow)
	}
	if cfg.LockKey == "" || cfg.LockTTL <= 0 {
		t.Errorf("lock defaults not applied: %+v", cfg)
	}
	if cfg.SpotCheckMax < cfg.SpotCheckMin {
		t.Errorf("SpotCheckMax %v < SpotCheckMin %v", cfg.SpotCheckMax, cfg.SpotCheckMin)
	}
}

func TestTick_OpensAndDispatches(t *testing.T) {
	h := newHarness(t, pullTransport)
	h.repo.addAgent(domain.Agent{AgentID: "a1"})

	sum := h.s.Tick(context.Background())

	if sum.Skipped {
		t.Fatal("tick skipped")
	}
	if sum.ChallengesSent != 1 || sum.SessionsProcessed != 0 {
		t.Errorf("summary = %+v, want 1 sent, 0 processed", sum)
	}
	sessions := h.repo.sessionsFor("a1")
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	got := sessions[0]
	if got.State != domain.SessionAwaitingResponse {
		t.Errorf("State = %s, want awaiting_response", got.State)
	}
	if got.Kind != domain.KindInitial {
		t.Errorf("Kind = %s, want initial", got.Kind)
	}
	if got.ResponseWindow() != 30*time.Second {
		t.Errorf("window = %v, want 30s", got.ResponseWindow())
	}
}

func TestTick_InlineAnswerResolvedSameTick(t *testing.T) {
	h := newHarness(t, answering("248171"))
	h.repo.addAgent(domain.Agent{AgentID: "a1"})

	sum := h.s.Tick(context.Background())

	if sum.ChallengesSent != 1 || sum.SessionsProcessed != 1 {
		t.Errorf("summary = %+v, want 1 sent, 1 processed", sum)
	}
	if sum.SpotChecksProcessed != 0 {
		t.Errorf("initial verification counted as spot check: %+v", sum)
	}

	a := h.repo.agent("a1")
	if a.PassCount != 1 || a.FailureStreak != 0 {
		t.Errorf("counters = pass %d streak %d, want 1/0", a.PassCount, a.FailureStreak)
	}
	if a.Tier != domain.TierUnverified {
		t.Errorf("Tier = %s, a pass alone must not raise the tier", a.Tier)
	}
	want := t0.Add(2*time.Hour + 90*time.Second)
	if !a.NextBurstAt.Equal(want) {
		t.Errorf("NextBurstAt = %v, want %v", a.NextBurstAt, want)
	}
}

func TestTick_SpotCheckFailureSchedulesRecheck(t *testing.T) {
	h := newHarness(t, answering("12"))
	h.repo.addAgent(domain.Agent{AgentID: "a1", Tier: domain.TierVerified, PassCount: 4})

	sum := h.s.Tick(context.Background())

	want := domain.TickSummary{
		ChallengesSent:      1,
		SessionsProcessed:   1,
		SpotChecksProcessed: 1,
		SpotChecksFailed:    1,
	}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}
	a := h.repo.agent("a1")
	if a.FailureStreak != 1 || a.Tier != domain.TierVerified {
		t.Errorf("streak %d tier %s, want 1 verified", a.FailureStreak, a.Tier)
	}
	if !a.NextBurstAt.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("NextBurstAt = %v, want t0+5m", a.NextBurstAt)
	}
	if s := h.repo.sessionsFor("a1")[0]; s.Kind != domain.KindSpotCheck || s.ResponseWindow() != 60*time.Second {
		t.Errorf("session kind %s window %v, want spot_check 60s", s.Kind, s.ResponseWindow())
	}
}

func TestTick_SkippedWhenLockHeld(t *testing.T) {
	h := newHarness(t, pullTransport)
	h.repo.addAgent(domain.Agent{AgentID: "a1"})
	ctx := context.Background()

	if _, ok, _ := h.locks.Acquire(ctx, h.s.Config().LockKey, time.Minute); !ok {
		t.Fatal("could not pre-acquire lock")
	}
	sum := h.s.Tick(ctx)
	if !sum.Skipped {
		t.Errorf("summary = %+v, want skipped", sum)
	}
	if n := len(h.repo.sessionsFor("a1")); n != 0 {
		t.Errorf("skipped tick created %d sessions", n)
	}
}

func TestTick_ConcurrentTicksOnlyOneWorks(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := transportFunc(func(context.Context, *domain.Agent, domain.IssuedChallenge) (domain.Delivery, error) {
		entered <- struct{}{}
		<-release
		return domain.Delivery{}, nil
	})
	h := newHarness(t, blocking)
	h.repo.addAgent(domain.Agent{AgentID: "a1"})
	ctx := context.Background()

	first := make(chan domain.TickSummary, 1)
	go func() { first <- h.s.Tick(ctx) }()
	<-entered

	second := h.s.Tick(ctx)
	close(release)
	got := <-first

	if !second.Skipped {
		t.Errorf("second tick = %+v, want skipped", second)
	}
	if got.Skipped || got.ChallengesSent != 1 {
		t.Errorf("first tick = %+v, want one challenge sent", got)
	}
	if n := len(h.repo.sessionsFor("a1")); n != 1 {
		t.Errorf("sessions = %d, want exactly 1", n)
	}
}

func TestTick_DispatchRetriesThenTimesOut(t *testing.T) {
	var calls atomic.Int32
	failing := transportFunc(func(context.Context, *domain.Agent, domain.IssuedChallenge) (domain.Delivery, error) {
		calls.Add(1)
		return domain.Delivery{}, domain.ErrTransportFailed
	})
	h := newHarness(t, failing)
	h.repo.addAgent(domain.Agent{AgentID: "a1"})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		sum := h.s.Tick(ctx)
		if sum.DispatchFailures != 1 || sum.SessionsProcessed != 0 {
			t.Fatalf("tick %d summary = %+v, want 1 dispatch failure", i, sum)
		}
		s := h.repo.sessionsFor("a1")[0]
		if s.State != domain.SessionChallengeSent || s.DispatchAttempts != i {
			t.Fatalf("tick %d: state %s attempts %d", i, s.State, s.DispatchAttempts)
		}
		h.clk.Advance(time.Second)
	}

	sum := h.s.Tick(ctx)
	if sum.DispatchFailures != 1 || sum.SessionsProcessed != 1 {
		t.Errorf("final summary = %+v, want 1 failure, 1 processed", sum)
	}
	if calls.Load() != 3 {
		t.Errorf("dispatch calls = %d, want 3", calls.Load())
	}
	s := h.repo.sessionsFor("a1")[0]
	if s.State != domain.SessionTimedOut {
		t.Errorf("State = %s, want timed_out", s.State)
	}
	a := h.repo.agent("a1")
	if a.FailureStreak != 1 {
		t.Errorf("FailureStreak = %d, want 1", a.FailureStreak)
	}
	if want := t0.Add(2*time.Second + 5*time.Minute); !a.NextBurstAt.Equal(want) {
		t.Errorf("NextBurstAt = %v, want %v", a.NextBurstAt, want)
	}
}

func TestTick_TimesOutUnansweredSession(t *testing.T) {
	h := newHarness(t, pullTransport)
	h.repo.addAgent(domain.Agent{AgentID: "a1"})
	ctx := context.Background()

	h.s.Tick(ctx)
	h.clk.Advance(30 * time.Second)
	if sum := h.s.Tick(ctx); sum.SessionsProcessed != 0 {
		t.Errorf("session resolved at its deadline: %+v", sum)
	}
	h.clk.Advance(time.Second)
	sum := h.s.Tick(ctx)
	if sum.SessionsProcessed != 1 {
		t.Errorf("summary = %+v, want 1 processed", sum)
	}
	if s := h.repo.sessionsFor("a1")[0]; s.Outcome != domain.OutcomeTimedOut {
		t.Errorf("Outcome = %s, want timed_out", s.Outcome)
	}
}

func TestTick_LateInlineAnswerTimesOut(t *testing.T) {
	late := transportFunc(func(context.Context, *domain.Agent, domain.IssuedChallenge) (domain.Delivery, error) {
		return domain.Delivery{Answered: true, Answer: "248171", ReceivedAt: t0.Add(31 * time.Second)}, nil
	})
	h := newHarness(t, late)
	h.repo.addAgent(domain.Agent{AgentID: "a1"})

	h.s.Tick(context.Background())

	if s := h.repo.sessionsFor("a1")[0]; s.Outcome != domain.OutcomeTimedOut {
		t.Errorf("correct but late answer resolved as %s, want timed_out", s.Outcome)
	}
}

func TestTick_RepeatedFailuresStepTierDown(t *testing.T) {
	h := newHarness(t, answering("wrong"))
	h.repo.addAgent(domain.Agent{AgentID: "a1", Tier: domain.TierVerified, PassCount: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.s.Tick(ctx)
		h.clk.Advance(2 * time.Hour)
	}
	a := h.repo.agent("a1")
	if a.FailureStreak != 3 || a.Tier != domain.TierProbationary {
		t.Errorf("after 3 failures: streak %d tier %s, want 3 probationary", a.FailureStreak, a.Tier)
	}
}

func TestResolve_ReplayIsNotCounted(t *testing.T) {
	h := newHarness(t, answering("248171"))
	h.repo.addAgent(domain.Agent{AgentID: "a1"})
	ctx := context.Background()
	h.s.Tick(ctx)

	stale := h.repo.sessionsFor("a1")[0]
	stale.State = domain.SessionAwaitingResponse
	before := h.repo.agent("a1")

	tl := &tally{}
	v := evaluator.Verdict{Outcome: domain.OutcomePassed, Reason: "answer matches commitment"}
	if _, err := h.s.resolve(ctx, stale, v, t0.Add(time.Minute), tl); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := tl.summary(); got.SessionsProcessed != 0 {
		t.Errorf("replay counted: %+v", got)
	}
	if after := h.repo.agent("a1"); after.PassCount != before.PassCount || !after.NextBurstAt.Equal(before.NextBurstAt) {
		t.Errorf("replay mutated agent: %+v -> %+v", before, after)
	}

	v.Outcome = domain.OutcomeFailed
	if _, err := h.s.resolve(ctx, stale, v, t0.Add(time.Minute), tl); !errors.Is(err, domain.ErrSessionResolved) {
		t.Errorf("conflicting outcome err = %v, want ErrSessionResolved", err)
	}
}

func TestRecheckDelay(t *testing.T) {
	h := newHarness(t, pullTransport)
	tests := []struct {
		streak int
		want   time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{7, 40 * time.Minute},
	}
	for _, tt := range tests {
		if got := h.s.recheckDelay(tt.streak); got != tt.want {
			t.Errorf("recheckDelay(%d) = %v, want %v", tt.streak, got, tt.want)
		}
	}
}

func TestSpotCheckDelay_WithinRange(t *testing.T) {
	cfg := testConfig()
	for _, r := range []fixedRand{0, 90, 1 << 40} {
		s := New(cfg, Deps{Rand: r})
		d := s.spotCheckDelay()
		if d < cfg.SpotCheckMin || d > cfg.SpotCheckMax {
			t.Errorf("rand %d: delay %v outside [%v, %v]", r, d, cfg.SpotCheckMin, cfg.SpotCheckMax)
		}
	}
	if d := New(cfg, Deps{Rand: fixedRand(1 << 40)}).spotCheckDelay(); d != cfg.SpotCheckMax {
		t.Errorf("max draw = %v, want %v", d, cfg.SpotCheckMax)
	}
}

type countingRecorder struct {
	ticks atomic.Int32
}

func (c *countingRecorder) RecordTick(context.Context, domain.TickSummary, time.Duration) {
	c.ticks.Add(1)
}

func TestRunner_TicksUntilStopped(t *testing.T) {
	rec := &countingRecorder{}
	repo := newMemRepo()
	s := New(testConfig(), Deps{
		Repo:      repo,
		Locker:    newHarness(t, pullTransport).locks,
		Transport: pullTransport,
		Source:    staticSource{},
		Recorder:  rec,
	})
	r := NewRunner(s, 5*time.Millisecond)
	r.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for rec.ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	r.Stop()

	n := rec.ticks.Load()
	if n < 2 {
		t.Fatalf("ticks = %d, want at least 2", n)
	}
	time.Sleep(20 * time.Millisecond)
	if rec.ticks.Load() != n {
		t.Error("runner kept ticking after Stop")
	}
}

func TestNewRunner_DefaultInterval(t *testing.T) {
	if r := NewRunner(nil, 0); r.Interval != DefaultTickInterval {
		t.Errorf("Interval = %v, want %v", r.Interval, DefaultTickInterval)
	}
}

type recordingEnricher struct {
	commits atomic.Int32
}

func (e *recordingEnricher) Enrich(_ context.Context, a *domain.Agent) (domain.Enrichment, error) {
	return domain.Enrichment{
		Fingerprint: domain.FingerprintResult{Match: true},
		Profile:     &domain.ProfileSnapshot{AgentID: a.AgentID},
	}, nil
}

func (e *recordingEnricher) Commit(context.Context, *domain.ProfileSnapshot) error {
	e.commits.Add(1)
	return nil
}

func TestResolve_CommitsProfileOnlyWhenApplied(t *testing.T) {
	clk := &testClock{t: t0}
	repo := newMemRepo()
	repo.addAgent(domain.Agent{AgentID: "a1"})
	locks := lock.NewMemory(clk.Now)
	enr := &recordingEnricher{}
	s := New(testConfig(), Deps{
		Repo:      repo,
		Locker:    locks,
		Transport: answering("248171"),
		Source:    staticSource{},
		Enricher:  enr,
		Dedup:     locks,
		Now:       clk.Now,
		Rand:      fixedRand(90),
	})
	ctx := context.Background()

	if sum := s.Tick(ctx); sum.SessionsProcessed != 1 {
		t.Fatalf("tick = %+v, want 1 processed", sum)
	}
	if n := enr.commits.Load(); n != 1 {
		t.Fatalf("commits after resolve = %d, want 1", n)
	}

	stale := repo.sessionsFor("a1")[0]
	stale.State = domain.SessionAwaitingResponse
	v := evaluator.Verdict{Outcome: domain.OutcomePassed, Reason: "answer matches commitment"}
	if _, err := s.resolve(ctx, stale, v, t0.Add(time.Minute), &tally{}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	v.Outcome = domain.OutcomeFailed
	s.resolve(ctx, stale, v, t0.Add(time.Minute), &tally{})
	if n := enr.commits.Load(); n != 1 {
		t.Errorf("commits after replay and lost race = %d, want 1", n)
	}
}
