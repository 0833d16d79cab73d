// Package notify delivers outbound email and chat messages.
package notify

import "context"

// EmailMessage is one outbound email.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// Notifier sends customer email and operator chat messages. Implementations
// must be safe for concurrent use.
type Notifier interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
	SendChat(ctx context.Context, text string) error
}

// Noop discards everything. Used when delivery is disabled in config.
type Noop struct{}

func (Noop) SendEmail(ctx context.Context, msg EmailMessage) error { return nil }
func (Noop) SendChat(ctx context.Context, text string) error       { return nil }
