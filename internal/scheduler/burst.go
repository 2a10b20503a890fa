package scheduler

import (
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
)

// nextBurst schedules the agent's next session. A pass schedules a spot check
// at a random point in [SpotCheckMin, SpotCheckMax]; anything else a short
// recheck that backs off with the failure streak.
func (s *Scheduler) nextBurst(outcome domain.Outcome, agent *domain.Agent, now time.Time) time.Time {
	if outcome == domain.OutcomePassed {
		return now.Add(s.spotCheckDelay())
	}
	return now.Add(s.recheckDelay(agent.FailureStreak + 1))
}

// spotCheckDelay draws a whole number of seconds from the spot-check range.
func (s *Scheduler) spotCheckDelay() time.Duration {
	spread := int64((s.cfg.SpotCheckMax - s.cfg.SpotCheckMin) / time.Second)
	if spread <= 0 {
		return s.cfg.SpotCheckMin
	}
	return s.cfg.SpotCheckMin + time.Duration(s.rnd.Int64N(spread+1))*time.Second
}

// recheckDelay doubles RecheckInterval for each failure after the first,
// capped at RecheckMax.
func (s *Scheduler) recheckDelay(streak int) time.Duration {
	d := s.cfg.RecheckInterval
	for i := 1; i < streak && d < s.cfg.RecheckMax; i++ {
		d *= 2
	}
	if d > s.cfg.RecheckMax {
		d = s.cfg.RecheckMax
	}
	return d
}
