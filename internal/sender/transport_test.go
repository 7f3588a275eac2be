package sender

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
)

type typedTransport struct {
	types map[string]bool
	sent  int
}

func (t *typedTransport) Send(ctx context.Context, snd *db.Sender, msg *Message) error {
	t.sent++
	return nil
}

func (t *typedTransport) SupportsType(senderType string) bool {
	return t.types[senderType]
}

func TestMultiTransport_RoutesByType(t *testing.T) {
	smtp := &typedTransport{types: map[string]bool{db.SenderSMTP: true, db.SenderMailgun: true}}
	ses := &typedTransport{types: map[string]bool{db.SenderSES: true}}
	multi := NewMultiTransport(zap.NewNop(), smtp, ses)

	msg := &Message{To: "to@example.com"}

	if err := multi.Send(context.Background(), &db.Sender{Type: db.SenderSES}, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ses.sent != 1 || smtp.sent != 0 {
		t.Error("message should route to the SES transport")
	}

	if err := multi.Send(context.Background(), &db.Sender{Type: db.SenderMailgun}, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if smtp.sent != 1 {
		t.Error("mailgun senders should route to the SMTP transport")
	}
}

func TestMultiTransport_UnknownType(t *testing.T) {
	multi := NewMultiTransport(zap.NewNop(), &typedTransport{types: map[string]bool{db.SenderSMTP: true}})

	err := multi.Send(context.Background(), &db.Sender{Type: "telegram"}, &Message{})
	if err == nil {
		t.Fatal("expected error for unsupported sender type")
	}
}

func TestMultiTransport_SupportsType(t *testing.T) {
	multi := NewMultiTransport(zap.NewNop(),
		&typedTransport{types: map[string]bool{db.SenderSMTP: true}},
		&typedTransport{types: map[string]bool{db.SenderLog: true}},
	)

	if !multi.SupportsType(db.SenderSMTP) || !multi.SupportsType(db.SenderLog) {
		t.Error("union of underlying transports should be supported")
	}
	if multi.SupportsType(db.SenderSES) {
		t.Error("unsupported type should report false")
	}
}
