package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so that errors built
// with NewEngineError or WrapEngineError compare equal to their sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Session / state machine errors (-32010 to -32039) ----

var (
	ErrInvalidTransition = &EngineError{Code: -32010, Message: "invalid session state transition"}
	ErrConflict          = &EngineError{Code: -32011, Message: "agent already has an active session"}
	ErrSessionNotFound   = &EngineError{Code: -32012, Message: "session not found"}
	ErrSessionResolved   = &EngineError{Code: -32013, Message: "session already resolved with a different outcome"}
	ErrStaleState        = &EngineError{Code: -32014, Message: "conditional write lost: session state was modified concurrently"}
	ErrOptimisticLock    = &EngineError{Code: -32015, Message: "optimistic lock conflict: agent was modified concurrently"}
	ErrAgentNotFound     = &EngineError{Code: -32016, Message: "agent not found"}
	ErrDuplicateAgent    = &EngineError{Code: -32017, Message: "agent already exists"}
	ErrAgentBanned       = &EngineError{Code: -32018, Message: "agent is banned"}
	ErrChallengeNotFound = &EngineError{Code: -32019, Message: "challenge not found"}
	ErrNoChallenge       = &EngineError{Code: -32020, Message: "no challenge available for selection"}
)

// ---- Submission / validation errors (-32040 to -32069) ----

var (
	ErrValidation     = &EngineError{Code: -32040, Message: "invalid payload"}
	ErrNonceMismatch  = &EngineError{Code: -32041, Message: "nonce does not match challenge"}
	ErrNonceExpired   = &EngineError{Code: -32042, Message: "nonce has expired"}
	ErrNonceReplayed  = &EngineError{Code: -32043, Message: "nonce already used"}
	ErrCommitment     = &EngineError{Code: -32044, Message: "malformed answer commitment"}
	ErrRubricInvalid  = &EngineError{Code: -32045, Message: "rubric expression is invalid"}
	ErrNotAwaiting    = &EngineError{Code: -32046, Message: "session is not awaiting a response"}
	ErrUpgradeRefused = &EngineError{Code: -32047, Message: "re-verification acceptance refused"}
)

// ---- Transport errors (-32070 to -32099) ----

var (
	ErrTransportTimeout = &EngineError{Code: -32070, Message: "challenge dispatch timed out"}
	ErrTransportFailed  = &EngineError{Code: -32071, Message: "challenge dispatch failed"}
	ErrNoTransport      = &EngineError{Code: -32072, Message: "no transport available for agent"}
)

// ---- Coordination / guard errors (-32100 to -32129) ----

var (
	ErrLockLost          = &EngineError{Code: -32101, Message: "scheduler run lock expired before release"}
	ErrRateLimitExceeded = &EngineError{Code: -32103, Message: "rate limit exceeded"}
	ErrCacheUnavailable  = &EngineError{Code: -32104, Message: "dedup cache unavailable"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrCatalogInvalid  = &EngineError{Code: -32137, Message: "invalid challenge catalog"}
)
