package sender

import (
	"context"
	"fmt"

	mail "github.com/go-mail/mail/v2"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

// SMTPTransport delivers through an SMTP submission endpoint built from the
// sender record's smtp_* fields. It also carries the mailgun and postmark
// sender types, which expose SMTP submission, and plain sendmail relays.
type SMTPTransport struct {
	logger *zap.Logger
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(logger *zap.Logger) *SMTPTransport {
	return &SMTPTransport{logger: logger}
}

// Send builds and sends one message over the sender's SMTP configuration.
// The dial happens per send so each sender record keeps its own credentials.
func (t *SMTPTransport) Send(ctx context.Context, snd *db.Sender, msg *Message) error {
	if snd.SMTPHost == "" {
		return fmt.Errorf("sender %s has no smtp_host", snd.Slug)
	}

	port := snd.SMTPPort
	if port == 0 {
		port = 587
	}

	m := mail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}

	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		if msg.HTML != "" {
			m.AddAlternative("text/html", msg.HTML)
		}
	} else {
		m.SetBody("text/html", msg.HTML)
	}

	dialer := mail.NewDialer(snd.SMTPHost, port, snd.SMTPUsername, snd.SMTPPassword)
	dialer.StartTLSPolicy = mail.OpportunisticStartTLS

	done := make(chan error, 1)
	go func() { done <- dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send aborted: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
	}

	t.logger.Info("email sent via smtp",
		zap.String("sender", snd.Slug),
		zap.String("host", snd.SMTPHost),
		zap.String("to", msg.To),
	)
	return nil
}

// SupportsType reports the sender types delivered over SMTP submission.
func (t *SMTPTransport) SupportsType(senderType string) bool {
	switch senderType {
	case db.SenderSMTP, db.SenderSendmail, db.SenderMailgun, db.SenderPostmark:
		return true
	}
	return false
}
