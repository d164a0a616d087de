package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/google/uuid"
)

type Configuration struct {
	Account Account
	// Dialer defaults to a plain *net.Dialer.
	Dialer Dialer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Signer adds a DKIM signature to every message when set.
	Signer *Signer
	Now    func() time.Time
}

// Client submits messages to one upstream account. It holds no connection
// state, every Send runs its own session.
type Client struct {
	account Account
	dialer  Dialer
	log     *slog.Logger
	signer  *Signer
	now     func() time.Time
}

func NewClient(config Configuration) *Client {
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Account.Security == "" {
		config.Account.Security, _ = ResolveSecurity("", config.Account.Port)
	}

	return &Client{
		account: config.Account,
		dialer:  config.Dialer,
		log:     config.Logger,
		signer:  config.Signer,
		now:     config.Now,
	}
}

// Send delivers m through the upstream server in a single session. The
// connection is closed before Send returns. Failures are returned as *Error.
//
// Cancelling ctx does not abort a session, only the per-step idle timeout
// ends one early. ctx still carries its values.
func (c *Client) Send(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	content, err := c.render(m)
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	s := &session{
		ctx:       context.WithoutCancel(ctx),
		account:   c.account,
		dialer:    c.dialer,
		tlsConfig: c.account.tlsConfig(),
		msg:       m,
		content:   content,
		chunk:     make([]byte, 4096),
		log:       c.log.With(slog.String("session_id", uuid.NewString()), slog.String("to", m.To)),
	}

	start := time.Now()
	err = s.run()
	metricSessionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metricSends.WithLabelValues(KindOf(err).String()).Inc()
		s.log.Warn("Failed to send email", slog.String("step", s.step.String()), sloki.WrapError(err))
		return err
	}

	metricSends.WithLabelValues("ok").Inc()
	s.log.Info("Email sent successfully", slog.String("host", c.account.Host))
	return nil
}

func (c *Client) render(m Message) ([]byte, error) {
	raw := Format(c.account.From, m, c.now())

	if c.signer != nil {
		signed, err := c.signer.Sign(raw)
		if err != nil {
			return nil, err
		}
		raw = signed
	}

	return Terminate(raw, c.account.EscapeLeadingDots), nil
}

type session struct {
	ctx       context.Context
	account   Account
	dialer    Dialer
	tlsConfig *tls.Config
	msg       Message
	content   []byte
	log       *slog.Logger

	t      *transport
	sup    *supervisor
	reader ReplyReader
	queue  []Reply
	chunk  []byte

	step      step
	delivered bool
}

func (s *session) flags() flags {
	return flags{
		requireUpgrade: s.account.requiresUpgrade(),
		encrypted:      s.t.isEncrypted(),
		authenticate:   s.account.authenticates(),
	}
}

func (s *session) run() error {
	s.step = stepConnect
	if err := s.connect(); err != nil {
		return err
	}
	defer s.t.Close()

	s.step = stepGreeting
	for {
		reply, err := s.exchange()
		if err == nil {
			var next step
			next, err = transition(s.step, reply, s.flags())
			if err == nil {
				if s.step == stepContent {
					s.delivered = true
				}
				if next == stepDone {
					return nil
				}
				s.step = next
				continue
			}
		}

		// The upstream accepted the message, a failing QUIT does not undo that.
		if s.delivered {
			s.log.Warn("QUIT failed after message was accepted", sloki.WrapError(err))
			return nil
		}
		return err
	}
}

// exchange performs the current step and waits for its reply, all under one
// arming of the idle timer.
func (s *session) exchange() (Reply, error) {
	s.sup.arm(s.step)
	defer s.sup.disarm()

	if err := s.perform(); err != nil {
		return Reply{}, err
	}
	return s.await()
}

func (s *session) perform() error {
	switch s.step {
	case stepGreeting:
		return nil
	case stepEhloTLS:
		if err := s.upgrade(); err != nil {
			return err
		}
	}

	// Half-duplex: nothing may be pending when the next command goes out.
	if len(s.queue) > 0 {
		return &Error{Kind: KindProtocol, Step: s.step.String(), Reply: s.queue[0].Text(), Err: ErrUnexpectedReply}
	}

	metricCommands.WithLabelValues(s.step.String()).Inc()

	switch s.step {
	case stepEhlo:
		return s.writeLine("EHLO "+s.account.localName(), "")
	case stepStartTLS:
		return s.writeLine("STARTTLS", "")
	case stepEhloTLS:
		return s.writeLine("EHLO "+s.account.localName(), "")
	case stepAuth:
		return s.writeLine("AUTH LOGIN", "")
	case stepUsername:
		return s.writeLine(base64.StdEncoding.EncodeToString([]byte(s.account.Username)), "[username]")
	case stepPassword:
		return s.writeLine(base64.StdEncoding.EncodeToString([]byte(s.account.Password)), "[password]")
	case stepMailFrom:
		return s.writeLine(fmt.Sprintf("MAIL FROM:<%s>", s.account.From), "")
	case stepRcptTo:
		return s.writeLine(fmt.Sprintf("RCPT TO:<%s>", s.msg.To), "")
	case stepData:
		return s.writeLine("DATA", "")
	case stepContent:
		return s.write(s.content, "[email content]")
	case stepQuit:
		return s.writeLine("QUIT", "")
	}

	return &Error{Kind: KindProtocol, Step: s.step.String(), Err: fmt.Errorf("no action for step %d", s.step)}
}

// upgrade promotes the plaintext connection after the server's 220 to STARTTLS.
func (s *session) upgrade() error {
	if len(s.queue) > 0 || s.reader.Buffered() {
		return &Error{Kind: KindProtocol, Step: s.step.String(), Err: ErrDataAfterStartTLS}
	}

	if err := upgradeTLS(s.ctx, s.t, s.tlsConfig); err != nil {
		s.t.Close()
		return s.errorf(KindTLS, fmt.Errorf("TLS upgrade error: %w", err))
	}
	s.reader = ReplyReader{}

	s.log.Debug("STARTTLS upgrade successful")
	return nil
}

func (s *session) writeLine(line, display string) error {
	return s.write([]byte(line+"\r\n"), display)
}

func (s *session) write(p []byte, display string) error {
	if display == "" {
		display = string(p[:len(p)-2])
	}
	s.log.Debug("C: " + display)

	if _, err := s.t.current().Write(p); err != nil {
		return s.errorf(KindTransport, fmt.Errorf("write: %w", err))
	}
	return nil
}

// await blocks until one complete reply is available.
func (s *session) await() (Reply, error) {
	for len(s.queue) == 0 {
		n, err := s.t.current().Read(s.chunk)
		if n > 0 {
			replies, ferr := s.reader.Feed(s.chunk[:n])
			s.queue = append(s.queue, replies...)
			if ferr != nil {
				return Reply{}, s.errorf(KindProtocol, ferr)
			}
		}
		if err != nil {
			if len(s.queue) > 0 {
				break
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Reply{}, s.errorf(KindTransport, fmt.Errorf("read: %w", err))
		}
	}

	reply := s.queue[0]
	s.queue = s.queue[1:]

	for _, line := range reply.Lines {
		s.log.Debug("S: " + line)
	}
	return reply, nil
}

// errorf builds the session error for err. An expired idle timer is the real
// cause of whatever I/O error it provoked.
func (s *session) errorf(kind Kind, err error) *Error {
	if s.sup != nil && s.sup.Expired() {
		return &Error{Kind: KindTimeout, Step: s.step.String(), Err: ErrTimeout}
	}
	return &Error{Kind: kind, Step: s.step.String(), Err: err}
}
