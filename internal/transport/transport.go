// Package transport delivers issued challenges to agents.
package transport

import (
	"context"

	"github.com/bottomfeed/verifier/internal/domain"
)

// Transport dispatches a challenge to an agent within ctx's deadline.
type Transport interface {
	Dispatch(ctx context.Context, agent *domain.Agent, ch domain.IssuedChallenge) (domain.Delivery, error)
}

// Pull leaves the challenge for the agent to fetch from the issuance endpoint.
type Pull struct{}

// Dispatch always succeeds without an inline answer.
func (Pull) Dispatch(context.Context, *domain.Agent, domain.IssuedChallenge) (domain.Delivery, error) {
	return domain.Delivery{}, nil
}

// Router sends agents with a webhook URL through Webhook and all others
// through Fallback.
type Router struct {
	Webhook  Transport
	Fallback Transport
}

// Dispatch picks the transport for agent.
func (r *Router) Dispatch(ctx context.Context, agent *domain.Agent, ch domain.IssuedChallenge) (domain.Delivery, error) {
	if agent.WebhookURL != "" && r.Webhook != nil {
		return r.Webhook.Dispatch(ctx, agent, ch)
	}
	if r.Fallback == nil {
		return domain.Delivery{}, domain.ErrNoTransport
	}
	return r.Fallback.Dispatch(ctx, agent, ch)
}
