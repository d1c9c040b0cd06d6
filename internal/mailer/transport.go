// Package mailer implements the SMTP transport behind the dispatch engine:
// BCC mode delivers each chunk as one message on a fresh connection, while
// individual mode reuses a small pool of authenticated connections.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/ortsverband/newsletter-dispatch/internal/dispatch"
	"github.com/ortsverband/newsletter-dispatch/internal/domain"
)

// Config carries the SMTP relay credentials. Timeouts and pool sizing come
// from the dispatch settings snapshot, not from here.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// ImplicitTLS dials a TLS socket directly (port 465 style). When false
	// the connection is upgraded with STARTTLS after the greeting.
	ImplicitTLS bool

	// InsecureSkipVerify is for talking to a relay with a self-signed
	// certificate on a closed network. Never enable it against a public
	// relay.
	InsecureSkipVerify bool
}

// Transport sends rendered messages through one SMTP relay. A Transport is
// built per send from the dispatch settings snapshot, so mid-send settings
// edits cannot change its behavior. It satisfies dispatch.Transport.
type Transport struct {
	cfg      Config
	settings domain.DispatchSettings
	now      func() time.Time

	// Individual-mode connection pool. slots caps live connections at
	// MaxConnections; idle holds authenticated sessions ready for reuse.
	slots chan struct{}
	idle  chan *session

	mu     sync.Mutex
	closed bool
}

// session is one authenticated SMTP connection with its message counter.
type session struct {
	client *gosmtp.Client
	conn   net.Conn
	sent   int
}

// New creates a transport for one send using the given settings snapshot.
func New(cfg Config, settings domain.DispatchSettings) *Transport {
	maxConns := settings.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	return &Transport{
		cfg:      cfg,
		settings: settings,
		now:      time.Now,
		slots:    make(chan struct{}, maxConns),
		idle:     make(chan *session, maxConns),
	}
}

// SendChunk delivers msg to every address in rcpts. BCC chunks get a fresh
// connection that is closed afterwards; single-recipient chunks go through
// the pool.
func (t *Transport) SendChunk(ctx context.Context, msg dispatch.OutboundMessage, rcpts []string) error {
	if len(rcpts) == 0 {
		return nil
	}
	if t.settings.UseBCC || len(rcpts) > 1 {
		return t.sendFresh(ctx, msg, rcpts)
	}
	return t.sendPooled(ctx, msg, rcpts)
}

func (t *Transport) sendFresh(ctx context.Context, msg dispatch.OutboundMessage, rcpts []string) error {
	s, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer s.quit()
	// Envelope-only recipients: the rendered message shows no member
	// address.
	return t.deliver(ctx, s, msg, rcpts, nil)
}

func (t *Transport) sendPooled(ctx context.Context, msg dispatch.OutboundMessage, rcpts []string) error {
	s, err := t.acquire(ctx)
	if err != nil {
		return err
	}

	err = t.deliver(ctx, s, msg, rcpts, rcpts)
	t.release(s, err)
	return err
}

// acquire returns an idle session, or dials a new one if the pool is under
// MaxConnections, or waits for a release.
func (t *Transport) acquire(ctx context.Context) (*session, error) {
	select {
	case s := <-t.idle:
		return s, nil
	default:
	}

	select {
	case s := <-t.idle:
		return s, nil
	case t.slots <- struct{}{}:
		s, err := t.dial(ctx)
		if err != nil {
			<-t.slots
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, dispatch.NewTransportError("dial", true, ctx.Err())
	}
}

// release returns a healthy session to the pool. Sessions that errored or
// reached their MaxMessages budget are closed and their slot freed.
func (t *Transport) release(s *session, sendErr error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if sendErr != nil || closed || s.sent >= t.settings.MaxMessages {
		s.quit()
		<-t.slots
		return
	}

	select {
	case t.idle <- s:
	default:
		s.quit()
		<-t.slots
	}
}

// dial opens, secures and authenticates one connection, applying the
// connection and greeting timeouts from the settings snapshot.
func (t *Transport) dial(ctx context.Context) (*session, error) {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	tlsCfg := &tls.Config{
		ServerName:         t.cfg.Host,
		InsecureSkipVerify: t.cfg.InsecureSkipVerify,
	}

	dialer := net.Dialer{Timeout: t.settings.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dispatch.NewTransportError("dial", true, err)
	}

	if t.cfg.ImplicitTLS {
		tc := tls.Client(conn, tlsCfg)
		hctx, cancel := context.WithTimeout(ctx, t.settings.ConnectionTimeout)
		err = tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			conn.Close()
			// A failed handshake will fail for every chunk the same way.
			return nil, dispatch.NewTransportError("tls", false, err)
		}
		conn = tc
	}

	// Greeting and EHLO run under the greeting timeout.
	conn.SetDeadline(t.now().Add(t.settings.GreetingTimeout))
	client, err := gosmtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, dispatch.NewTransportError("greeting", true, err)
	}

	if !t.cfg.ImplicitTLS {
		if err := client.StartTLS(tlsCfg); err != nil {
			client.Close()
			return nil, dispatch.NewTransportError("tls", false, err)
		}
	}

	conn.SetDeadline(t.now().Add(t.settings.SocketTimeout))
	if t.cfg.Username != "" {
		auth := sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		if err := client.Auth(auth); err != nil {
			client.Close()
			// Bad credentials cannot recover by retrying.
			return nil, dispatch.NewTransportError("auth", isTemporary(err), err)
		}
	}

	return &session{client: client, conn: conn}, nil
}

// deliver runs one MAIL/RCPT/DATA transaction on the session. Every SMTP
// command executes under a fresh socket deadline; ctx cancellation is
// checked between commands.
func (t *Transport) deliver(ctx context.Context, s *session, msg dispatch.OutboundMessage, envelope, visible []string) error {
	raw, err := BuildMessage(msg, visible, t.now())
	if err != nil {
		return dispatch.NewTransportError("build", false, err)
	}

	deadline := t.now().Add(t.settings.SocketTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetDeadline(deadline)

	if err := s.client.Reset(); err != nil {
		return dispatch.NewTransportError("rset", true, err)
	}
	if err := ctx.Err(); err != nil {
		return dispatch.NewTransportError("mail", true, err)
	}
	if err := s.client.Mail(msg.FromEmail, nil); err != nil {
		return dispatch.NewTransportError("mail", isTemporary(err), err)
	}
	for _, rcpt := range envelope {
		if err := s.client.Rcpt(rcpt); err != nil {
			// Rejected recipients are retried in smaller chunks so one
			// bad address cannot sink its neighbors.
			return dispatch.NewTransportError("rcpt", true, fmt.Errorf("recipient %s: %w", rcpt, err))
		}
	}

	wc, err := s.client.Data()
	if err != nil {
		return dispatch.NewTransportError("data", isTemporary(err), err)
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return dispatch.NewTransportError("data", true, err)
	}
	if err := wc.Close(); err != nil {
		return dispatch.NewTransportError("data", isTemporary(err), err)
	}

	s.sent++
	return nil
}

// Close shuts down all pooled connections. Safe to call once the send is
// finished; in-flight chunks are not interrupted.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	for {
		select {
		case s := <-t.idle:
			s.quit()
			<-t.slots
		default:
			return nil
		}
	}
}

func (s *session) quit() {
	if err := s.client.Quit(); err != nil {
		s.client.Close()
	}
}

// isTemporary classifies an SMTP reply. Authentication and policy rejections
// (530, 534, 535, 538, 550 on MAIL) will repeat identically on retry; 4xx
// replies are transient by definition. Non-SMTP errors (socket, timeout) are
// temporary.
func isTemporary(err error) bool {
	if smtpErr, ok := err.(*gosmtp.SMTPError); ok {
		switch smtpErr.Code {
		case 530, 534, 535, 538:
			return false
		}
		return smtpErr.Code < 500
	}
	return true
}
