package sender

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

// Message is a fully rendered outbound email.
type Message struct {
	To        string
	ToName    string
	Subject   string
	HTML      string
	Text      string
	FromEmail string
	FromName  string
	ReplyTo   string
}

// Transport delivers a message through one provider on behalf of a sender
// record.
type Transport interface {
	Send(ctx context.Context, snd *db.Sender, msg *Message) error
	SupportsType(senderType string) bool
}

// MultiTransport routes a message to the transport matching the sender's
// type.
type MultiTransport struct {
	transports []Transport
	logger     *zap.Logger
}

// NewMultiTransport creates a router over the given transports.
func NewMultiTransport(logger *zap.Logger, transports ...Transport) *MultiTransport {
	return &MultiTransport{transports: transports, logger: logger}
}

// Send routes to the first transport supporting the sender's type.
func (m *MultiTransport) Send(ctx context.Context, snd *db.Sender, msg *Message) error {
	for _, t := range m.transports {
		if t.SupportsType(snd.Type) {
			m.logger.Debug("routing message to transport",
				zap.String("sender_type", snd.Type),
				zap.String("sender_id", snd.ID.String()),
			)
			return t.Send(ctx, snd, msg)
		}
	}
	return fmt.Errorf("no transport for sender type: %s", snd.Type)
}

// SupportsType checks whether any underlying transport handles the type.
func (m *MultiTransport) SupportsType(senderType string) bool {
	for _, t := range m.transports {
		if t.SupportsType(senderType) {
			return true
		}
	}
	return false
}
