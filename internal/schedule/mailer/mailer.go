// Package mailer delivers scheduled report mail.
package mailer

import (
	"context"
	"log/slog"
)

// Attachment is a file carried by a Message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Message struct {
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Mailer sends a message to all of its recipients or fails.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer records messages instead of delivering them. It backs
// deployments without an SMTP relay.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	names := make([]string, 0, len(msg.Attachments))
	size := 0
	for _, a := range msg.Attachments {
		names = append(names, a.Filename)
		size += len(a.Data)
	}
	m.logger.InfoContext(ctx, "report mail not sent, no SMTP relay configured",
		"to", msg.To,
		"subject", msg.Subject,
		"attachments", names,
		"bytes", size,
	)
	return nil
}
