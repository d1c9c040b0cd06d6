package mailer

import (
	"context"
	"errors"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/ortsverband/newsletter-dispatch/internal/dispatch"
	"github.com/ortsverband/newsletter-dispatch/internal/domain"
)

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"auth failed", &gosmtp.SMTPError{Code: 535, Message: "authentication failed"}, false},
		{"auth required", &gosmtp.SMTPError{Code: 530, Message: "authentication required"}, false},
		{"auth mechanism too weak", &gosmtp.SMTPError{Code: 534, Message: "mechanism too weak"}, false},
		{"encryption required", &gosmtp.SMTPError{Code: 538, Message: "encryption required"}, false},
		{"mailbox busy", &gosmtp.SMTPError{Code: 450, Message: "mailbox busy"}, true},
		{"try again later", &gosmtp.SMTPError{Code: 451, Message: "try again later"}, true},
		{"insufficient storage", &gosmtp.SMTPError{Code: 452, Message: "insufficient storage"}, true},
		{"mailbox unavailable", &gosmtp.SMTPError{Code: 550, Message: "mailbox unavailable"}, false},
		{"socket error", errors.New("read: connection reset by peer"), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTemporary(tc.err); got != tc.want {
				t.Errorf("isTemporary(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTransport_ClassificationFeedsRetryPolicy(t *testing.T) {
	// The engine aborts on permanent errors and retries temporary ones;
	// the transport's classification is what drives that split.
	authErr := dispatch.NewTransportError("auth", isTemporary(&gosmtp.SMTPError{Code: 535}), &gosmtp.SMTPError{Code: 535})
	if dispatch.IsRetryable(authErr) {
		t.Error("535 auth failure must not be retryable")
	}

	rcptErr := dispatch.NewTransportError("rcpt", true, &gosmtp.SMTPError{Code: 550})
	if !dispatch.IsRetryable(rcptErr) {
		t.Error("recipient rejections are retried in smaller chunks")
	}
}

func TestNew_PoolSizing(t *testing.T) {
	s := domain.DefaultDispatchSettings()
	s.MaxConnections = 3

	tr := New(Config{Host: "smtp.example.org", Port: 465}, s)
	if cap(tr.slots) != 3 {
		t.Errorf("slot capacity = %d, want 3", cap(tr.slots))
	}
	if cap(tr.idle) != 3 {
		t.Errorf("idle capacity = %d, want 3", cap(tr.idle))
	}

	s.MaxConnections = 0
	tr = New(Config{}, s)
	if cap(tr.slots) != 1 {
		t.Errorf("slot capacity = %d, want 1 (guarded)", cap(tr.slots))
	}
}

func TestTransport_SendChunkEmpty(t *testing.T) {
	tr := New(Config{Host: "smtp.example.org", Port: 465}, domain.DefaultDispatchSettings())
	if err := tr.SendChunk(context.Background(), dispatch.OutboundMessage{}, nil); err != nil {
		t.Errorf("SendChunk() with no recipients should be a no-op, got %v", err)
	}
}

func TestTransport_DialHonorsCancelledContext(t *testing.T) {
	s := domain.DefaultDispatchSettings()
	s.ConnectionTimeout = 100 * time.Millisecond

	tr := New(Config{Host: "192.0.2.1", Port: 465, ImplicitTLS: true}, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.SendChunk(ctx, dispatch.OutboundMessage{
		FromEmail: "newsletter@example.org",
		HTML:      "<p>x</p>",
	}, []string{"member@example.org"})

	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if !dispatch.IsRetryable(err) {
		t.Errorf("dial failure should be retryable, got %v", err)
	}
}

func TestTransport_CloseWithoutConnections(t *testing.T) {
	tr := New(Config{}, domain.DefaultDispatchSettings())
	if err := tr.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
