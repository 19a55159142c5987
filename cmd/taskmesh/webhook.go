package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/orchestrator"
)

// webhookSender delivers task messages as JSON POSTs to a single endpoint.
// The agent id travels in the payload so one webhook can fan out to many
// workers. Sends are rate limited to protect the receiver.
type webhookSender struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func newWebhookSender(url string) *webhookSender {
	return &webhookSender{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

type webhookPayload struct {
	AgentID string                    `json:"agentId"`
	Message *orchestrator.TaskMessage `json:"message,omitempty"`
	Text    string                    `json:"text,omitempty"`
}

func (s *webhookSender) SendTaskMessage(ctx context.Context, agentID string, message *orchestrator.TaskMessage) error {
	return s.post(ctx, &webhookPayload{AgentID: agentID, Message: message})
}

func (s *webhookSender) SendNotification(ctx context.Context, agentID string, text string) error {
	return s.post(ctx, &webhookPayload{AgentID: agentID, Text: text})
}

func (s *webhookSender) post(ctx context.Context, payload *webhookPayload) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait aborted")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook delivery failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errors.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// loggingSender is the development fallback when no webhook is configured.
type loggingSender struct{}

func (loggingSender) SendTaskMessage(_ context.Context, agentID string, message *orchestrator.TaskMessage) error {
	slog.Info("task message",
		"agent_id", agentID,
		"task_id", message.TaskID,
		"type", string(message.Type))
	return nil
}

func (loggingSender) SendNotification(_ context.Context, agentID string, text string) error {
	slog.Info("agent notification", "agent_id", agentID, "text", text)
	return nil
}

func newSender(webhookURL string) orchestrator.MessageSender {
	if webhookURL == "" {
		return loggingSender{}
	}
	return newWebhookSender(webhookURL)
}
