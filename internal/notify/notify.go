// Package notify routes failure notifications: file problems go to the
// source's business recipients by email, infrastructure problems go to the
// internal Slack channel. A shared rate limiter keeps a bad batch of files
// from storming either channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// Rate limit across all outbound notifications.
const (
	notifyInterval = 2 // seconds between sends after the burst
	notifyBurst    = 5
)

// Notifier fans out to the configured channels. Either channel may be
// absent; sends to an unconfigured channel are logged and dropped.
type Notifier struct {
	email   *EmailSender
	slack   *SlackSender
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New builds a notifier. email and slack may be nil.
func New(email *EmailSender, slack *SlackSender, logger *slog.Logger) *Notifier {
	return &Notifier{
		email:   email,
		slack:   slack,
		limiter: rate.NewLimiter(rate.Limit(1.0/float64(notifyInterval)), notifyBurst),
		logger:  logger,
	}
}

// FileProblem emails the source's business recipients about a rejected
// file. The data team address is copied when configured.
func (n *Notifier) FileProblem(ctx context.Context, recipients []string, filename, errorType, message string) {
	if n.email == nil || len(recipients) == 0 {
		n.logger.Warn("No email recipients configured, dropping file notification",
			"filename", filename,
			"error_type", errorType)

		return
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return
	}

	subject := fmt.Sprintf("File load failed: %s", filename)
	body := fmt.Sprintf(
		"The file %s could not be loaded.\n\nReason: %s\n\n%s\n\n"+
			"Please correct the file and deliver it again.\n",
		filename, errorType, message)

	if err := n.email.Send(ctx, recipients, subject, body); err != nil {
		n.logger.Error("Failed to send file notification",
			"filename", filename,
			"error", err)
	}
}

// Internal posts an infrastructure alert to the internal Slack channel.
func (n *Notifier) Internal(ctx context.Context, title, message string) {
	if n.slack == nil {
		n.logger.Warn("No Slack webhook configured, dropping internal alert", "title", title)

		return
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return
	}

	if err := n.slack.Post(ctx, fmt.Sprintf("*%s*\n%s", title, message)); err != nil {
		n.logger.Error("Failed to post internal alert", "title", title, "error", err)
	}
}

// RunSummary posts the end-of-run digest to the internal Slack channel.
func (n *Notifier) RunSummary(ctx context.Context, text string) {
	if n.slack == nil {
		return
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return
	}

	if err := n.slack.Post(ctx, text); err != nil {
		n.logger.Error("Failed to post run summary", "error", err)
	}
}
