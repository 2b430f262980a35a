// Package channel holds the outbound adapters touches are dispatched through.
package channel

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNotConfigured is returned by adapters missing required credentials.
var ErrNotConfigured = errors.New("channel not configured")

// Email is one outbound message. Body may be HTML or plain text.
type Email struct {
	To      string
	Subject string
	Body    string
}

// EmailSender delivers an email and returns the provider's message id.
type EmailSender interface {
	Send(ctx context.Context, e Email) (string, error)
}

// Notification kinds.
const (
	KindCallPrompt  = "call_prompt"
	KindManualEmail = "manual_email"
)

// Notification prompts the operator to act on a touch.
type Notification struct {
	Kind      string
	ContactID int64
	Title     string
	Message   string
	Priority  int
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a structured log. It is the
// fallback when no push channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("operator notification",
		"kind", n.Kind,
		"contact_id", n.ContactID,
		"title", n.Title,
		"message", PlainText(n.Message),
	)
	return nil
}
