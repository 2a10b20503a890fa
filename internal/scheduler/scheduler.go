// Package scheduler drives verification sessions. Each tick opens sessions
// for agents whose burst is due, dispatches their challenges, resolves
// answered or expired sessions and reschedules the next burst.
//
// The scheduler holds no I/O types: the store, lock, transport and challenge
// policy are reached through the narrow interfaces in ports.go.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/evaluator"
	"github.com/bottomfeed/verifier/internal/nonce"
	"github.com/bottomfeed/verifier/internal/trust"
)

const tracerName = "github.com/bottomfeed/verifier/internal/scheduler"

// Config holds the scheduler tunables.
type Config struct {
	LockKey string
	// LockTTL must exceed the worst-case tick duration.
	LockTTL             time.Duration
	InitialWindow       time.Duration
	SpotCheckWindow     time.Duration
	SpotCheckMin        time.Duration
	SpotCheckMax        time.Duration
	RecheckInterval     time.Duration
	RecheckMax          time.Duration
	MaxDispatchAttempts int
	DispatchTimeout     time.Duration
	BatchSize           int
	Concurrency         int
	NonceTTL            time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LockKey:             "verifier:tick",
		LockTTL:             2 * time.Minute,
		InitialWindow:       30 * time.Second,
		SpotCheckWindow:     60 * time.Second,
		SpotCheckMin:        2 * time.Hour,
		SpotCheckMax:        24 * time.Hour,
		RecheckInterval:     5 * time.Minute,
		RecheckMax:          time.Hour,
		MaxDispatchAttempts: 3,
		DispatchTimeout:     10 * time.Second,
		BatchSize:           100,
		Concurrency:         8,
		NonceTTL:            10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockKey == "" {
		c.LockKey = d.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.InitialWindow <= 0 {
		c.InitialWindow = d.InitialWindow
	}
	if c.SpotCheckWindow <= 0 {
		c.SpotCheckWindow = d.SpotCheckWindow
	}
	if c.SpotCheckMin <= 0 {
		c.SpotCheckMin = d.SpotCheckMin
	}
	if c.SpotCheckMax < c.SpotCheckMin {
		c.SpotCheckMax = c.SpotCheckMin
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = d.RecheckInterval
	}
	if c.RecheckMax < c.RecheckInterval {
		c.RecheckMax = c.RecheckInterval
	}
	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = d.MaxDispatchAttempts
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.NonceTTL <= 0 {
		c.NonceTTL = d.NonceTTL
	}
	return c
}

// Deps are the collaborators of a Scheduler. Repo, Locker, Transport and
// Source are required; the rest have defaults.
type Deps struct {
	Repo      SessionRepository
	Locker    Locker
	Transport Transport
	Source    ChallengeSource
	Enricher  Enricher
	Dedup     Cache
	Evaluator *evaluator.Evaluator
	Policy    trust.Policy
	Recorder  Recorder
	Now       func() time.Time
	// Rand is shared by concurrent workers and must be safe for concurrent use.
	Rand Rand
}

// Scheduler is the verification control loop.
type Scheduler struct {
	cfg       Config
	repo      SessionRepository
	locker    Locker
	transport Transport
	source    ChallengeSource
	enricher  Enricher
	dedup     Cache
	eval      *evaluator.Evaluator
	policy    trust.Policy
	recorder  Recorder
	now       func() time.Time
	rnd       Rand
	tracer    trace.Tracer
}

// New creates a Scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		repo:      deps.Repo,
		locker:    deps.Locker,
		transport: deps.Transport,
		source:    deps.Source,
		enricher:  deps.Enricher,
		dedup:     deps.Dedup,
		eval:      deps.Evaluator,
		policy:    deps.Policy,
		recorder:  deps.Recorder,
		now:       deps.Now,
		rnd:       deps.Rand,
		tracer:    otel.Tracer(tracerName),
	}
	if s.eval == nil {
		s.eval = evaluator.New()
	}
	if s.policy.FailureThreshold <= 0 {
		s.policy = trust.DefaultPolicy()
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.rnd == nil {
		s.rnd = globalRand{}
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Tick runs one scheduling pass. When another instance holds the run lock
// the tick is a no-op that reports Skipped. Partial failures are counted in
// the summary, never returned.
func (s *Scheduler) Tick(ctx context.Context) domain.TickSummary {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	token, ok, err := s.locker.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
	if err != nil {
		log.WithError(err).Warn("scheduler: run lock unavailable, skipping tick")
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock unavailable")
		sum := domain.TickSummary{Skipped: true, Errors: 1}
		s.recorder.RecordTick(ctx, sum, 0)
		return sum
	}
	if !ok {
		log.Debug("scheduler: run lock busy, skipping tick")
		span.SetAttributes(attribute.Bool("tick.skipped", true))
		sum := domain.TickSummary{Skipped: true}
		s.recorder.RecordTick(ctx, sum, 0)
		return sum
	}
	defer func() {
		err := s.locker.Release(context.WithoutCancel(ctx), s.cfg.LockKey, token)
		switch {
		case errors.Is(err, domain.ErrLockLost):
			log.WithField("lock_ttl", s.cfg.LockTTL).Warn("scheduler: run lock expired before the tick finished")
		case err != nil:
			log.WithError(err).Warn("scheduler: release run lock")
		}
	}()

	t := &tally{}
	opened := s.openDue(ctx, start, t)
	s.resolveOpen(ctx, start, opened, t)

	sum := t.summary()
	elapsed := s.now().Sub(start)
	span.SetAttributes(
		attribute.Int("tick.challenges_sent", sum.ChallengesSent),
		attribute.Int("tick.sessions_processed", sum.SessionsProcessed),
		attribute.Int("tick.spot_checks_processed", sum.SpotChecksProcessed),
		attribute.Int("tick.dispatch_failures", sum.DispatchFailures),
		attribute.Int("tick.errors", sum.Errors),
	)
	s.recorder.RecordTick(ctx, sum, elapsed)
	log.WithFields(log.Fields{
		"challenges_sent":       sum.ChallengesSent,
		"sessions_processed":    sum.SessionsProcessed,
		"spot_checks_processed": sum.SpotChecksProcessed,
		"spot_checks_passed":    sum.SpotChecksPassed,
		"spot_checks_failed":    sum.SpotChecksFailed,
		"dispatch_failures":     sum.DispatchFailures,
		"errors":                sum.Errors,
	}).Info("scheduler: tick complete")
	return sum
}

// openDue opens and dispatches a session for every due agent and returns the
// ids of the sessions it created.
func (s *Scheduler) openDue(ctx context.Context, now time.Time, t *tally) map[string]bool {
	opened := make(map[string]bool)
	due, err := s.repo.GetDueSessions(ctx, now, s.cfg.BatchSize)
	if err != nil {
		log.WithError(err).Warn("scheduler: list due sessions")
		t.fail()
		return opened
	}

	var mu sync.Mutex
	s.forEach(ctx, len(due), func(i int) {
		sess, err := s.openDueOne(ctx, due[i], now, t)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				log.WithField("agent_id", due[i].AgentID).Debug("scheduler: agent already has an active session")
				return
			}
			log.WithError(err).WithField("agent_id", due[i].AgentID).Warn("scheduler: open session")
			t.fail()
			return
		}
		mu.Lock()
		opened[sess.SessionID] = true
		mu.Unlock()
	})
	return opened
}

func (s *Scheduler) openDueOne(ctx context.Context, d domain.DueSession, now time.Time, t *tally) (*domain.Session, error) {
	agent, err := s.repo.GetAgent(ctx, d.AgentID)
	if err != nil {
		return nil, err
	}
	kind := domain.KindSpotCheck
	if agent.PassCount == 0 {
		kind = domain.KindInitial
	}
	sess, ch, err := s.open(ctx, agent, kind, now)
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, agent, sess, ch, now, t)
	return sess, nil
}

// open selects a challenge and persists a new session in challenge_sent.
func (s *Scheduler) open(ctx context.Context, agent *domain.Agent, kind domain.SessionKind, now time.Time) (*domain.Session, domain.Challenge, error) {
	if err := checkTransition(domain.SessionIdle, domain.SessionChallengeSent); err != nil {
		return nil, domain.Challenge{}, err
	}
	ch, err := s.source.Select(ctx, agent.AgentID)
	if err != nil {
		return nil, domain.Challenge{}, fmt.Errorf("select challenge: %w", err)
	}
	n, err := nonce.New()
	if err != nil {
		return nil, domain.Challenge{}, err
	}
	window := s.cfg.InitialWindow
	if kind == domain.KindSpotCheck {
		window = s.cfg.SpotCheckWindow
	}
	sess, err := s.repo.CreateSession(ctx, domain.SessionSpec{
		AgentID:   agent.AgentID,
		Challenge: ch,
		Kind:      kind,
		Nonce:     n,
		IssuedAt:  now,
		Window:    window,
	})
	if err != nil {
		return nil, domain.Challenge{}, err
	}
	ch.ChallengeID = sess.ChallengeID
	ch.IssuedAt = sess.IssuedAt
	return sess, ch, nil
}

// dispatch sends the session's challenge once. It reports whether an inline
// answer was recorded. After MaxDispatchAttempts failures the session is
// forced to timed_out.
func (s *Scheduler) dispatch(ctx context.Context, agent *domain.Agent, sess *domain.Session, ch domain.Challenge, now time.Time, t *tally) bool {
	logger := log.WithFields(log.Fields{"agent_id": sess.AgentID, "session_id": sess.SessionID})

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	delivery, err := s.transport.Dispatch(dctx, agent, issuedView(sess, ch))
	cancel()
	if err != nil {
		t.add(func(sum *domain.TickSummary) { sum.DispatchFailures++ })
		attempts, ferr := s.repo.RecordDispatchFailure(ctx, sess.SessionID)
		if ferr != nil {
			logger.WithError(ferr).Warn("scheduler: record dispatch failure")
			t.fail()
			return false
		}
		logger.WithError(err).WithField("attempts", attempts).Warn("scheduler: dispatch failed")
		if attempts >= s.cfg.MaxDispatchAttempts {
			v := evaluator.Verdict{
				Outcome: domain.OutcomeTimedOut,
				Reason:  fmt.Sprintf("dispatch failed %d times", attempts),
				Elapsed: now.Sub(sess.IssuedAt),
			}
			s.resolve(ctx, *sess, v, now, t)
		}
		return false
	}

	if err := s.repo.MarkDispatched(ctx, sess.SessionID, now); err != nil {
		if lostRace(err) {
			logger.Debug("scheduler: session moved before dispatch was recorded")
			return false
		}
		logger.WithError(err).Warn("scheduler: mark dispatched")
		t.fail()
		return false
	}
	t.add(func(sum *domain.TickSummary) { sum.ChallengesSent++ })

	if !delivery.Answered {
		return false
	}
	at := delivery.ReceivedAt
	if at.IsZero() {
		at = now
	}
	if err := s.repo.RecordAnswer(ctx, sess.SessionID, delivery.Answer, at); err != nil {
		if !lostRace(err) {
			logger.WithError(err).Warn("scheduler: record inline answer")
			t.fail()
		}
		return false
	}
	return true
}

// resolveOpen evaluates or expires every open session. Sessions created in
// this tick are not re-dispatched.
func (s *Scheduler) resolveOpen(ctx context.Context, now time.Time, opened map[string]bool, t *tally) {
	open, err := s.repo.ListOpenSessions(ctx, s.cfg.BatchSize)
	if err != nil {
		log.WithError(err).Warn("scheduler: list open sessions")
		t.fail()
		return
	}
	s.forEach(ctx, len(open), func(i int) {
		s.processOpen(ctx, open[i], now, opened[open[i].SessionID], t)
	})
}

func (s *Scheduler) processOpen(ctx context.Context, sess domain.Session, now time.Time, fresh bool, t *tally) {
	switch sess.State {
	case domain.SessionChallengeSent:
		if now.After(sess.Deadline) {
			v := evaluator.Timeout(sess, now)
			v.Reason = "challenge was never delivered before deadline"
			s.resolve(ctx, sess, v, now, t)
			return
		}
		if fresh {
			return
		}
		agent, err := s.repo.GetAgent(ctx, sess.AgentID)
		if err != nil {
			t.fail()
			return
		}
		ch, err := s.repo.GetChallenge(ctx, sess.ChallengeID)
		if err != nil {
			t.fail()
			return
		}
		if !s.dispatch(ctx, agent, &sess, *ch, now, t) {
			return
		}
		latest, err := s.repo.GetSession(ctx, sess.SessionID)
		if err != nil || latest.State != domain.SessionAwaitingResponse {
			return
		}
		s.judge(ctx, *latest, now, t)

	case domain.SessionAwaitingResponse:
		s.judge(ctx, sess, now, t)
	}
}

// judge resolves an awaiting session that has an answer or whose deadline
// has passed. Otherwise it waits for a later tick.
func (s *Scheduler) judge(ctx context.Context, sess domain.Session, now time.Time, t *tally) {
	switch {
	case sess.HasAnswer():
		ch, err := s.repo.GetChallenge(ctx, sess.ChallengeID)
		if err != nil {
			log.WithError(err).WithField("session_id", sess.SessionID).Warn("scheduler: load challenge")
			t.fail()
			return
		}
		s.resolve(ctx, sess, s.eval.Evaluate(sess, *ch, sess.Answer, sess.AnsweredAt), now, t)
	case now.After(sess.Deadline):
		s.resolve(ctx, sess, evaluator.Timeout(sess, now), now, t)
	}
}

// resolve enriches a verdict and commits it, the trust update and the next
// burst as one conditional write. The profile snapshot is saved only after
// that write applied. A lost race is logged and returned but not counted as
// an error.
func (s *Scheduler) resolve(ctx context.Context, sess domain.Session, v evaluator.Verdict, now time.Time, t *tally) (*domain.Session, error) {
	logger := log.WithFields(log.Fields{"agent_id": sess.AgentID, "session_id": sess.SessionID})
	if err := checkTransition(sess.State, v.Outcome.State()); err != nil {
		logger.WithError(err).Warn("scheduler: refusing transition")
		t.fail()
		return nil, err
	}

	agent, err := s.repo.GetAgent(ctx, sess.AgentID)
	if err != nil {
		t.fail()
		return nil, err
	}

	evidence := domain.Evidence{
		Reason:           v.Reason,
		ElapsedMs:        v.Elapsed.Milliseconds(),
		FingerprintMatch: true,
	}
	var (
		fp   *domain.FingerprintResult
		snap *domain.ProfileSnapshot
	)
	if s.enricher != nil {
		enr, err := s.enricher.Enrich(ctx, agent)
		if err != nil {
			logger.WithError(err).Warn("scheduler: enrichment failed, resolving without it")
		} else {
			fp = &enr.Fingerprint
			evidence.DetectedModel = enr.Fingerprint.Detected
			evidence.FingerprintMatch = enr.Fingerprint.Match
			snap = enr.Profile
			if enr.Profile != nil {
				evidence.Archetype = enr.Profile.Archetype.Primary
				evidence.Confidence = enr.Profile.Archetype.Confidence
			}
		}
	}

	res := domain.Resolution{
		Outcome:     v.Outcome,
		Evidence:    evidence,
		ResolvedAt:  now,
		NextBurstAt: s.nextBurst(v.Outcome, agent, now),
	}
	applied := false
	out, err := s.repo.RecordOutcome(ctx, sess.SessionID, sess.State, res, func(a *domain.Agent) {
		applied = true
		st := s.policy.Apply(trust.FromAgent(a), v.Outcome, fp)
		st.ApplyTo(a)
	})
	if err != nil {
		if lostRace(err) {
			logger.WithError(err).Warn("scheduler: session resolved by another writer")
			return nil, err
		}
		logger.WithError(err).Warn("scheduler: record outcome")
		t.fail()
		return nil, err
	}
	if !applied {
		return out, nil
	}

	t.resolved(sess.Kind, v.Outcome)
	if snap != nil {
		if err := s.enricher.Commit(ctx, snap); err != nil {
			logger.WithError(err).Warn("scheduler: save profile snapshot")
		}
	}
	logger.WithFields(log.Fields{
		"outcome":       v.Outcome,
		"reason":        v.Reason,
		"next_burst_at": out.NextBurstAt,
	}).Info("scheduler: session resolved")
	return out, nil
}

// forEach runs fn for 0..n-1 on at most Concurrency goroutines.
func (s *Scheduler) forEach(ctx context.Context, n int, fn func(i int)) {
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func issuedView(sess *domain.Session, ch domain.Challenge) domain.IssuedChallenge {
	return domain.IssuedChallenge{
		ChallengeID:           sess.ChallengeID,
		Prompt:                ch.Prompt,
		Category:              ch.Category,
		IssuedAt:              sess.IssuedAt,
		ResponseWindowSeconds: int(sess.ResponseWindow() / time.Second),
		Nonce:                 sess.Nonce,
		Instructions:          nonce.Instructions(sess.Nonce),
	}
}

// lostRace reports whether err means another writer moved the session or
// agent first.
func lostRace(err error) bool {
	return errors.Is(err, domain.ErrStaleState) ||
		errors.Is(err, domain.ErrOptimisticLock) ||
		errors.Is(err, domain.ErrSessionResolved)
}

// tally accumulates a tick summary across goroutines. A nil tally discards.
type tally struct {
	mu  sync.Mutex
	sum domain.TickSummary
}

func (t *tally) add(fn func(*domain.TickSummary)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	fn(&t.sum)
	t.mu.Unlock()
}

func (t *tally) fail() {
	t.add(func(sum *domain.TickSummary) { sum.Errors++ })
}

func (t *tally) resolved(kind domain.SessionKind, outcome domain.Outcome) {
	t.add(func(sum *domain.TickSummary) {
		sum.SessionsProcessed++
		if kind != domain.KindSpotCheck {
			return
		}
		sum.SpotChecksProcessed++
		if outcome == domain.OutcomePassed {
			sum.SpotChecksPassed++
		} else {
			sum.SpotChecksFailed++
		}
	})
}

func (t *tally) summary() domain.TickSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sum
}
