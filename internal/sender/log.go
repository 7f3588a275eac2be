package sender

import (
	"context"

	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

// LogTransport writes messages to the log instead of sending them.
// Used for development and for sender records of type "log".
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates a log transport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

// Send logs the message. Bodies are elided; subjects can carry user data but
// are needed to make the log useful.
func (t *LogTransport) Send(ctx context.Context, snd *db.Sender, msg *Message) error {
	t.logger.Info("email logged (log transport)",
		zap.String("sender", snd.Slug),
		zap.String("to", msg.To),
		zap.String("from", msg.FromEmail),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// SupportsType reports whether this transport handles the sender type.
func (t *LogTransport) SupportsType(senderType string) bool {
	return senderType == db.SenderLog
}
