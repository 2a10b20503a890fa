package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bottomfeed/verifier/internal/domain"
)

const maxResponseBytes = 64 << 10

// answerPaths are the response fields an inline answer is read from, in order.
var answerPaths = []string{"answer", "challenge_answer", "data.answer"}

// Webhook POSTs the challenge as JSON to the agent's webhook URL. A JSON
// response carrying an answer is returned as an inline delivery.
type Webhook struct {
	Client  *http.Client
	Timeout time.Duration
	Now     func() time.Time
}

// NewWebhook creates a Webhook with a bounded per-attempt timeout.
func NewWebhook(timeout time.Duration) *Webhook {
	return &Webhook{
		Client:  &http.Client{},
		Timeout: timeout,
		Now:     time.Now,
	}
}

type webhookPayload struct {
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agent_id"`
	Challenge domain.IssuedChallenge `json:"challenge"`
}

// Dispatch sends ch to agent.WebhookURL. Exceeding the timeout yields
// ErrTransportTimeout; transport errors and non-2xx replies ErrTransportFailed.
func (w *Webhook) Dispatch(ctx context.Context, agent *domain.Agent, ch domain.IssuedChallenge) (domain.Delivery, error) {
	if agent.WebhookURL == "" {
		return domain.Delivery{}, domain.ErrNoTransport
	}
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(webhookPayload{Type: "verification_challenge", AgentID: agent.AgentID, Challenge: ch})
	if err != nil {
		return domain.Delivery{}, fmt.Errorf("marshal challenge: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return domain.Delivery{}, domain.WrapEngineError(domain.ErrTransportFailed.Code, "build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Challenge-ID", ch.ChallengeID)

	resp, err := w.Client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Delivery{}, domain.WrapEngineError(domain.ErrTransportTimeout.Code, "webhook dispatch", err)
		}
		return domain.Delivery{}, domain.WrapEngineError(domain.ErrTransportFailed.Code, "webhook dispatch", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Delivery{}, domain.WrapEngineError(domain.ErrTransportTimeout.Code, "read webhook response", err)
		}
		return domain.Delivery{}, domain.WrapEngineError(domain.ErrTransportFailed.Code, "read webhook response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Delivery{}, domain.NewEngineError(domain.ErrTransportFailed.Code,
			fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	}

	return w.extract(raw), nil
}

func (w *Webhook) extract(raw []byte) domain.Delivery {
	if len(bytes.TrimSpace(raw)) == 0 || !gjson.ValidBytes(raw) {
		return domain.Delivery{}
	}
	for _, p := range answerPaths {
		v := gjson.GetBytes(raw, p)
		if v.Exists() && v.Type != gjson.Null {
			return domain.Delivery{Answered: true, Answer: strings.TrimSpace(v.String()), ReceivedAt: w.Now()}
		}
	}
	return domain.Delivery{}
}
