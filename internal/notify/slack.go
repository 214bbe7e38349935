// Package notify posts short operational notifications to a Slack incoming
// webhook. Disabled when no webhook URL is configured.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/crewdesk/backend/internal/infrastructure/logging"
)

// Slack posts messages to a Slack incoming webhook.
type Slack struct {
	http       *resty.Client
	webhookURL string
	logger     *logging.Logger
}

// NewSlack creates a Slack notifier. Returns nil when webhookURL is empty,
// which callers treat as notifications disabled.
func NewSlack(webhookURL string, timeout time.Duration, logger *logging.Logger) *Slack {
	if webhookURL == "" {
		return nil
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Slack{
		http:       client,
		webhookURL: webhookURL,
		logger:     logger,
	}
}

// Notify posts one message.
func (s *Slack) Notify(ctx context.Context, text string) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": text}).
		Post(s.webhookURL)
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("slack notify: webhook returned status %d", resp.StatusCode())
	}
	return nil
}
