package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

// SESTransport delivers email via AWS SES.
type SESTransport struct {
	client *ses.Client
	logger *zap.Logger
}

// SESConfig holds SES transport settings.
type SESConfig struct {
	Region string
}

// NewSESTransport creates a SES transport.
func NewSESTransport(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESTransport{
		client: ses.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send sends one message via SES.
func (t *SESTransport) Send(ctx context.Context, snd *db.Sender, msg *Message) error {
	if msg.To == "" {
		return fmt.Errorf("message missing recipient")
	}

	source := msg.FromEmail
	if msg.FromName != "" {
		source = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(source),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	t.logger.Info("email sent via ses",
		zap.String("sender", snd.Slug),
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SupportsType reports whether this transport handles the sender type.
func (t *SESTransport) SupportsType(senderType string) bool {
	return senderType == db.SenderSES
}
