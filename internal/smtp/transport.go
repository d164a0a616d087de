package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

var errAlreadyEncrypted = errors.New("transport already encrypted")

// Dialer opens the raw connection to the upstream server. *net.Dialer
// implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// transport is the session's slot for the current connection. The plaintext
// connection is swapped for its TLS wrapper at most once and is not touched
// again afterwards. Close is idempotent, so the idle timer, a cancelled
// context and the session teardown can all close it.
type transport struct {
	mu        sync.Mutex
	conn      net.Conn
	encrypted bool
	closed    bool
}

func (t *transport) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *transport) isEncrypted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encrypted
}

// replace installs the encrypted connection wrapping the current one.
func (t *transport) replace(c net.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.encrypted {
		return errAlreadyEncrypted
	}
	// The underlying connection is already gone, closing c would close it twice.
	if t.closed {
		return net.ErrClosed
	}

	t.conn = c
	t.encrypted = true
	return nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// connect opens the transport according to the account's security mode.
// Implicit TLS handshakes right away under the idle timer.
func (s *session) connect() error {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.account.timeout())
	defer cancel()

	addr := s.account.addr()
	conn, err := s.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return &Error{Kind: kind, Step: s.step.String(), Err: fmt.Errorf("connect to %s: %w", addr, err)}
	}

	s.t = &transport{conn: conn}
	t := s.t
	s.sup = newSupervisor(s.account.timeout(), func(armed step) {
		s.log.Warn("Idle timeout expired, closing connection", "step", armed.String())
		t.Close()
	})
	s.log.Debug("Connected to SMTP server", "addr", addr, "security", string(s.account.Security))

	if s.account.Security != SecurityImplicitTLS {
		return nil
	}

	s.sup.arm(s.step)
	defer s.sup.disarm()

	if err := upgradeTLS(s.ctx, s.t, s.tlsConfig); err != nil {
		s.t.Close()
		return s.errorf(KindTLS, fmt.Errorf("TLS connect: %w", err))
	}
	s.log.Debug("TLS connection established")

	return nil
}
