package sender

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/resend/resend-go/v3"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

// resendCredentials is the shape of a resend sender's service_config.
type resendCredentials struct {
	APIKey string `json:"api_key"`
}

// ResendTransport delivers email via the Resend API. The API key lives in
// the sender's sealed service_config and is opened per send.
type ResendTransport struct {
	keeper *Keeper
	logger *zap.Logger
}

// NewResendTransport creates a Resend transport.
func NewResendTransport(keeper *Keeper, logger *zap.Logger) *ResendTransport {
	return &ResendTransport{keeper: keeper, logger: logger}
}

// Send sends one message via Resend.
func (t *ResendTransport) Send(ctx context.Context, snd *db.Sender, msg *Message) error {
	if len(snd.ServiceConfig) == 0 {
		return fmt.Errorf("sender %s has no service_config", snd.Slug)
	}

	raw, err := t.keeper.Open(snd.ServiceConfig)
	if err != nil {
		return fmt.Errorf("open sender credentials: %w", err)
	}

	var creds resendCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return fmt.Errorf("invalid service_config: %w", err)
	}
	if creds.APIKey == "" {
		return fmt.Errorf("sender %s service_config missing api_key", snd.Slug)
	}

	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}

	params := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}
	if msg.ReplyTo != "" {
		params.ReplyTo = msg.ReplyTo
	}

	client := resend.NewClient(creds.APIKey)
	sent, err := client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("resend send failed: %w", err)
	}

	t.logger.Info("email sent via resend",
		zap.String("sender", snd.Slug),
		zap.String("to", msg.To),
		zap.String("message_id", sent.Id),
	)
	return nil
}

// SupportsType reports whether this transport handles the sender type.
func (t *ResendTransport) SupportsType(senderType string) bool {
	return senderType == db.SenderResend
}
