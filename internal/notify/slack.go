package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSender posts messages to an incoming webhook.
type SlackSender struct {
	webhookURL string
}

// NewSlackSender configures webhook delivery.
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{webhookURL: webhookURL}
}

// Post sends one markdown-formatted message.
func (s *SlackSender) Post(ctx context.Context, text string) error {
	msg := &slack.WebhookMessage{Text: text}

	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook post failed: %w", err)
	}

	return nil
}
