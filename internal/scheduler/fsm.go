package scheduler

import (
	"fmt"

	"github.com/bottomfeed/verifier/internal/domain"
)

// validTransitions defines the legal session transitions.
// Each key is a source state, and the value is the set of valid target states.
var validTransitions = map[domain.SessionState]map[domain.SessionState]bool{
	domain.SessionIdle: {
		domain.SessionChallengeSent: true,
	},
	domain.SessionChallengeSent: {
		domain.SessionAwaitingResponse: true,
		domain.SessionTimedOut:         true, // dispatch attempts exhausted or never fetched
	},
	domain.SessionAwaitingResponse: {
		domain.SessionPassed:   true,
		domain.SessionFailed:   true,
		domain.SessionTimedOut: true,
	},
}

// IsValidTransition checks if a session state transition is legal.
// Terminal states have no outgoing transitions; the agent returns to idle
// by opening its next session.
func IsValidTransition(from, to domain.SessionState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

func checkTransition(from, to domain.SessionState) error {
	if IsValidTransition(from, to) {
		return nil
	}
	return domain.NewEngineError(
		domain.ErrInvalidTransition.Code,
		fmt.Sprintf("illegal transition %s -> %s", from, to),
	)
}
