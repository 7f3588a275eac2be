package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
	"github.com/formhub/courier/internal/sender"
)

func newTestBreaker(maxFailures int, recovery time.Duration) *CircuitBreaker {
	return New(Config{
		Name:            "test",
		MaxFailures:     maxFailures,
		RecoveryTimeout: recovery,
	}, zap.NewNop())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed while closed", i)
		}
		cb.RecordFailure()
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}
	if cb.Allow() {
		t.Error("open circuit should reject requests")
	}
	if cb.Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", cb.Rejected())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Error("intervening success should reset the failure count")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("circuit should be open")
	}

	time.Sleep(20 * time.Millisecond)

	// First request after recovery is the probe.
	if !cb.Allow() {
		t.Fatal("probe should be allowed after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.GetState())
	}

	// Concurrent requests are rejected while the probe is in flight.
	if cb.Allow() {
		t.Error("only one probe may be in flight")
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Error("successful probe should close the circuit")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe should be allowed")
	}
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Error("failed probe should reopen the circuit")
	}
}

type stubTransport struct {
	err   error
	calls int
}

func (s *stubTransport) Send(ctx context.Context, snd *db.Sender, msg *sender.Message) error {
	s.calls++
	return s.err
}

func (s *stubTransport) SupportsType(senderType string) bool {
	return senderType == db.SenderLog
}

func TestProtectedTransport_FailsFastWhenOpen(t *testing.T) {
	inner := &stubTransport{err: errors.New("provider down")}
	cb := newTestBreaker(2, time.Minute)
	pt := NewProtectedTransport(inner, cb, zap.NewNop())

	snd := &db.Sender{Slug: "test", Type: db.SenderLog}
	msg := &sender.Message{To: "to@example.com"}

	for i := 0; i < 2; i++ {
		if err := pt.Send(context.Background(), snd, msg); err == nil {
			t.Fatalf("send %d should fail", i)
		}
	}

	err := pt.Send(context.Background(), snd, msg)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("open circuit must not reach the transport, calls = %d", inner.calls)
	}
}

func TestProtectedTransport_SuccessKeepsCircuitClosed(t *testing.T) {
	inner := &stubTransport{}
	cb := newTestBreaker(2, time.Minute)
	pt := NewProtectedTransport(inner, cb, zap.NewNop())

	for i := 0; i < 10; i++ {
		if err := pt.Send(context.Background(), &db.Sender{Type: db.SenderLog}, &sender.Message{}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Error("circuit should stay closed on success")
	}
}

func TestProtectedTransport_DelegatesSupportsType(t *testing.T) {
	pt := NewProtectedTransport(&stubTransport{}, newTestBreaker(2, time.Minute), zap.NewNop())

	if !pt.SupportsType(db.SenderLog) {
		t.Error("should delegate supported type")
	}
	if pt.SupportsType(db.SenderSES) {
		t.Error("should delegate unsupported type")
	}
}
