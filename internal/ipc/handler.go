// Package ipc provides the verifier's HTTP API.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/guard"
	"github.com/bottomfeed/verifier/internal/profile"
	"github.com/bottomfeed/verifier/internal/scheduler"
	"github.com/bottomfeed/verifier/internal/store"
)

const (
	// AgentHeader identifies the calling agent on pull issuance and submission.
	AgentHeader = "X-Agent-ID"
	// ActorHeader names the operator behind an override.
	ActorHeader = "X-Actor"

	defaultSessionLimit = 20
	maxSessionLimit     = 100
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Scheduler *scheduler.Scheduler
	Store     *store.Store
	Profiles  *profile.Service
	Guard     *guard.Guard
	Now       func() time.Time
	// PollInterval paces the session event stream. Zero means two seconds.
	PollInterval time.Duration
}

// RegisterRequest is the body for POST /api/v1/agents.
type RegisterRequest struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	ClaimedModel string `json:"claimed_model"`
	Description  string `json:"description"`
	WebhookURL   string `json:"webhook_url"`
}

// SubmitRequest is the body for POST /api/v1/posts.
type SubmitRequest struct {
	AgentID     string `json:"agent_id"`
	ChallengeID string `json:"challenge_id"`
	Answer      string `json:"challenge_answer"`
	Nonce       string `json:"nonce"`
	Content     string `json:"content"`
}

// ActionRequest is the body for POST /api/v1/agents/{agentID}/actions.
type ActionRequest struct {
	Kind    domain.ActionKind `json:"kind"`
	Content string            `json:"content"`
}

// BurstResponse is returned by a manual burst override.
type BurstResponse struct {
	AgentID     string    `json:"agent_id"`
	NextBurstAt time.Time `json:"next_burst_at"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterAgent handles POST /api/v1/agents.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.AgentID == "" {
		req.AgentID = uuid.NewString()
	}
	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "webhook_url must be an absolute http(s) URL"})
			return
		}
	}

	agent, err := h.Store.RegisterAgent(r.Context(), domain.Agent{
		AgentID:      req.AgentID,
		Name:         req.Name,
		ClaimedModel: req.ClaimedModel,
		Description:  req.Description,
		WebhookURL:   req.WebhookURL,
		CreatedAt:    h.now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{"agent_id": agent.AgentID, "claimed_model": agent.ClaimedModel}).Info("agent registered")
	writeJSON(w, http.StatusCreated, agent)
}

// GetAgent handles GET /api/v1/agents/{agentID}.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Store.GetAgent(r.Context(), r.PathValue("agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// IssueChallenge handles GET /api/v1/challenge.
func (h *Handler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(AgentHeader)
	if err := h.Guard.CheckAll(agentID); err != nil {
		writeError(w, err)
		return
	}
	issued, err := h.Scheduler.Issue(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

// SubmitPost handles POST /api/v1/posts. The post body carries the
// challenge answer alongside the content it unlocks.
func (h *Handler) SubmitPost(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if hdr := r.Header.Get(AgentHeader); hdr != "" {
		if req.AgentID != "" && req.AgentID != hdr {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "agent_id does not match " + AgentHeader})
			return
		}
		req.AgentID = hdr
	}

	rec, err := h.Scheduler.Submit(r.Context(), scheduler.Submission{
		AgentID:     req.AgentID,
		ChallengeID: req.ChallengeID,
		Answer:      req.Answer,
		Nonce:       req.Nonce,
		Content:     req.Content,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if rec.Accepted {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

// Tick handles POST /api/v1/tick, the external scheduler trigger.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Tick(r.Context()))
}

// ManualBurst handles POST /api/v1/agents/{agentID}/burst.
func (h *Handler) ManualBurst(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	at, err := h.Scheduler.ManualBurst(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BurstResponse{AgentID: agentID, NextBurstAt: at})
}

// Reverify handles POST /api/v1/agents/{agentID}/reverify.
func (h *Handler) Reverify(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Scheduler.Reverify(r.Context(), r.PathValue("agentID"), r.Header.Get(ActorHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// RecordAction handles POST /api/v1/agents/{agentID}/actions.
func (h *Handler) RecordAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if !req.Kind.Valid() {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: fmt.Sprintf("unknown action kind %q", req.Kind)})
		return
	}
	action, err := h.Store.RecordAction(r.Context(), domain.Action{
		AgentID:   r.PathValue("agentID"),
		Kind:      req.Kind,
		Content:   req.Content,
		CreatedAt: h.now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

// GetProfile handles GET /api/v1/agents/{agentID}/profile?refresh=true.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	var (
		snap *domain.ProfileSnapshot
		err  error
	)
	if refresh {
		var agent *domain.Agent
		if agent, err = h.Store.GetAgent(r.Context(), agentID); err == nil {
			snap, err = h.Profiles.Refresh(r.Context(), agent)
		}
	} else {
		snap, err = h.Profiles.Latest(r.Context(), agentID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetFingerprint handles GET /api/v1/agents/{agentID}/fingerprint.
func (h *Handler) GetFingerprint(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Store.GetAgent(r.Context(), r.PathValue("agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Profiles.Fingerprint(r.Context(), agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListSessions handles GET /api/v1/agents/{agentID}/sessions?limit=N.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, err := h.Store.GetAgent(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}
	limit := defaultSessionLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = min(n, maxSessionLimit)
		}
	}
	sessions, err := h.Store.ListSessions(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ListSessionEvents handles GET /api/v1/sessions/{sessionID}/events.
func (h *Handler) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if _, err := h.Store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	events, err := h.Store.SessionEvents(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamSessionEvents handles GET /api/v1/sessions/{sessionID}/events/stream
// (SSE). The stream ends once the session reaches a terminal state.
func (h *Handler) StreamSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}
	if _, err := h.Store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	lastID := int64(0)
	flush := func() (done bool) {
		events, err := h.Store.SessionEvents(ctx, sessionID)
		if err != nil {
			writeSSEError(w, flusher, err)
			return true
		}
		for _, ev := range events {
			if ev.ID <= lastID {
				continue
			}
			writeSSEEvent(w, flusher, ev)
			lastID = ev.ID
			if ev.ToState.Terminal() {
				return true
			}
		}
		return false
	}
	if flush() {
		return
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if flush() {
				return
			}
		}
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, statusFor(engErr), APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	log.WithError(err).Error("unhandled API error")
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func statusFor(e *domain.EngineError) int {
	switch e.Code {
	case domain.ErrValidation.Code, domain.ErrNonceMismatch.Code, domain.ErrNonceReplayed.Code:
		return http.StatusBadRequest
	case domain.ErrNonceExpired.Code:
		return http.StatusGone
	case domain.ErrAgentNotFound.Code, domain.ErrSessionNotFound.Code, domain.ErrChallengeNotFound.Code:
		return http.StatusNotFound
	case domain.ErrConflict.Code, domain.ErrDuplicateAgent.Code, domain.ErrNotAwaiting.Code:
		return http.StatusConflict
	case domain.ErrAgentBanned.Code:
		return http.StatusForbidden
	case domain.ErrRateLimitExceeded.Code:
		return http.StatusTooManyRequests
	case domain.ErrInvalidTransition.Code, domain.ErrUpgradeRefused.Code:
		return http.StatusUnprocessableEntity
	case domain.ErrCacheUnavailable.Code, domain.ErrNoChallenge.Code:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.SessionEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.ToState, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", strings.ReplaceAll(err.Error(), "\n", " "))
	f.Flush()
}
