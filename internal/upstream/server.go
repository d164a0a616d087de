package upstream

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-relay/internal/accounts"
	"github.com/OliverSchlueter/mail-relay/internal/inbox"
	"github.com/google/uuid"
)

// Server is a small SMTP submission server. It accepts mail from
// authenticated accounts and captures it in an inbox instead of relaying it.
type Server struct {
	hostname          string
	addr              string
	tlsConfig         *tls.Config
	implicitTLS       bool
	requireAuth       bool
	allowInsecureAuth bool
	accounts          *accounts.Store
	inbox             *inbox.Store
	reject            map[string]string
	maxMessageSize    int
	maxRecipients     int
	idleTimeout       time.Duration
	log               *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

type Configuration struct {
	Hostname string
	// Addr is the listen address, DefaultAddr when empty.
	Addr string
	// CertFile and KeyFile are loaded when TLSConfig is nil.
	CertFile  string
	KeyFile   string
	TLSConfig *tls.Config
	// ImplicitTLS starts TLS on accept instead of offering STARTTLS.
	ImplicitTLS bool
	// RequireAuth rejects MAIL FROM before a successful AUTH.
	RequireAuth bool
	// AllowInsecureAuth permits AUTH on a plaintext connection.
	AllowInsecureAuth bool
	Accounts          *accounts.Store
	Inbox             *inbox.Store
	// Reject answers a command keyword (EHLO, STARTTLS, AUTH, MAIL, RCPT,
	// DATA, QUIT, ...) with the given reply instead of handling it. CONTENT
	// answers the end of the DATA transfer, GREETING replaces the greeting
	// and ends the connection.
	Reject         map[string]string
	MaxMessageSize int
	MaxRecipients  int
	// IdleTimeout bounds the wait for every command line, 2 minutes by default.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

func NewServer(config Configuration) (*Server, error) {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.MaxRecipients == 0 {
		config.MaxRecipients = DefaultMaxRecipients
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil && config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates:           []tls.Certificate{cert},
			MinVersion:             tls.VersionTLS12,
			SessionTicketsDisabled: true,
			Renegotiation:          tls.RenegotiateNever,
			CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		}
	}
	if config.ImplicitTLS && tlsConfig == nil {
		return nil, errors.New("implicit TLS requires a certificate")
	}

	return &Server{
		hostname:          config.Hostname,
		addr:              config.Addr,
		tlsConfig:         tlsConfig,
		implicitTLS:       config.ImplicitTLS,
		requireAuth:       config.RequireAuth,
		allowInsecureAuth: config.AllowInsecureAuth,
		accounts:          config.Accounts,
		inbox:             config.Inbox,
		reject:            config.Reject,
		maxMessageSize:    config.MaxMessageSize,
		maxRecipients:     config.MaxRecipients,
		idleTimeout:       config.IdleTimeout,
		log:               config.Logger,
		conns:             map[net.Conn]struct{}{},
	}, nil
}

// Listen binds the listen address. Use Addr to learn the port when
// listening on ":0".
func (s *Server) Listen() error {
	var (
		ln  net.Listener
		err error
	)
	if s.implicitTLS {
		ln, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("Failed to accept connection", sloki.WrapError(err))
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}

		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Start listens and serves, blocking until Close.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.log.Info("SMTP server listening", slog.String("addr", s.Addr().String()), slog.Bool("implicit_tls", s.implicitTLS))
	return s.Serve()
}

// Close stops accepting, closes open connections and waits for their handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	session := &Session{
		ID:         uuid.NewString(),
		RemoteAddr: conn.RemoteAddr().String(),
		TLSActive:  s.implicitTLS,
	}
	log := s.log.With(slog.String("session_id", session.ID), slog.String("remote_addr", session.RemoteAddr))
	log.Debug("New connection established")

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	if reply, ok := s.reject["GREETING"]; ok {
		s.writeLine(w, reply)
		return
	}
	s.writeLine(w, fmt.Sprintf(StatusServiceReady, s.hostname))

	for {
		if err := conn.SetDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			log.Error("Failed to set connection deadline", sloki.WrapError(err))
			return
		}

		line, err := r.ReadString('\n')
		if err != nil {
			log.Debug("Connection ended", sloki.WrapError(err))
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if session.Mail.ReadingData {
			s.handleDataLine(session, w, line)
			continue
		}

		if len(line) > MaxLineLength {
			log.Warn("Received line exceeds maximum length", slog.Int("line_length", len(line)))
			s.writeLine(w, StatusLineTooLong)
			continue
		}

		if session.AuthLogin.pending() {
			log.Debug("C: [credentials]")
			if session.AuthLogin.RequestedPlain {
				session.AuthLogin = AuthLogin{}
				s.handleAuthPlainLine(session, w, line)
			} else {
				s.handleAuthLoginLine(session, w, line)
			}
			continue
		}

		log.Debug("C: " + line)
		upper := strings.ToUpper(line)

		if reply, ok := s.reject[keyword(upper)]; ok {
			s.writeLine(w, reply)
			continue
		}

		switch {
		case strings.HasPrefix(upper, CmdEhlo.Prefix) || upper == CmdEhlo.Name:
			s.handleEhlo(session, w, line)

		case strings.HasPrefix(upper, CmdHelo.Prefix) || upper == CmdHelo.Name:
			s.handleHelo(session, w, line)

		case upper == CmdStartTls.Prefix:
			if s.tlsConfig == nil {
				s.writeLine(w, StatusNotImplemented)
				continue
			}
			if session.TLSActive {
				s.writeLine(w, StatusAlreadyEncrypted)
				continue
			}

			s.writeLine(w, StatusReadyStarting)

			// Commands pipelined behind STARTTLS would otherwise survive into the encrypted session.
			if r.Buffered() > 0 {
				log.Warn("Plaintext data received after STARTTLS, closing connection")
				return
			}

			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				log.Warn("TLS handshake failed", sloki.WrapError(err))
				return
			}

			// The client has to start over after the upgrade.
			*session = Session{ID: session.ID, RemoteAddr: session.RemoteAddr, TLSActive: true}

			conn = tlsConn
			r = bufio.NewReader(conn)
			w = bufio.NewWriter(conn)

			log.Debug("TLS connection established")

		case strings.HasPrefix(upper, CmdAuthLogin.Prefix):
			s.handleAuthLogin(session, w, line)

		case strings.HasPrefix(upper, CmdAuthPlain.Prefix):
			s.handleAuthPlain(session, w, line)

		case strings.HasPrefix(upper, CmdMailFrom.Prefix):
			s.handleMailFrom(session, w, line)

		case strings.HasPrefix(upper, CmdRcptTo.Prefix):
			s.handleRcptTo(session, w, line)

		case upper == CmdData.Prefix:
			s.handleData(session, w, line)

		case upper == CmdRset.Prefix:
			session.Mail.Reset()
			session.AuthLogin = AuthLogin{}
			s.writeLine(w, StatusOK)

		case upper == CmdNoop.Prefix:
			s.writeLine(w, StatusOK)

		case upper == CmdQuit.Prefix:
			s.writeLine(w, fmt.Sprintf(StatusConnClosed, s.hostname))
			log.Debug("Connection closed")
			return

		default:
			s.writeLine(w, StatusBadCommand)
		}
	}
}

func keyword(upper string) string {
	fields := strings.Fields(upper)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (s *Server) authAvailable(session *Session) bool {
	return s.accounts != nil && (session.TLSActive || s.allowInsecureAuth)
}

func (s *Server) handleEhlo(session *Session, w *bufio.Writer, line string) {
	clientHostname := strings.TrimSpace(line[len(CmdEhlo.Name):])
	session.HeloReceived = true
	session.Hostname = clientHostname
	session.Mail.Reset()

	lines := []string{
		fmt.Sprintf(StatusGreeting, s.hostname, clientHostname),
		fmt.Sprintf("SIZE %d", s.maxMessageSize),
		"8BITMIME",
	}
	if !session.TLSActive && s.tlsConfig != nil {
		lines = append(lines, CmdStartTls.Structure)
	}
	if s.authAvailable(session) {
		lines = append(lines, CmdAuthLogin.Structure)
	}

	s.writeMultiline(w, 250, lines)
}

func (s *Server) handleHelo(session *Session, w *bufio.Writer, line string) {
	clientHostname := strings.TrimSpace(line[len(CmdHelo.Name):])
	session.HeloReceived = true
	session.Hostname = clientHostname
	session.Mail.Reset()

	s.writeLine(w, "250 "+fmt.Sprintf(StatusGreeting, s.hostname, clientHostname))
}

// checkAuth answers the AUTH command itself when authentication cannot start.
func (s *Server) checkAuth(session *Session, w *bufio.Writer, cmd Command) bool {
	if !session.HeloReceived {
		s.log.Warn(fmt.Sprintf("%s command received before %s", cmd.Name, CmdEhlo.Name))
		s.writeLine(w, fmt.Sprintf(StatusBadSequence, CmdEhlo.Name))
		return false
	}
	if s.accounts == nil {
		s.writeLine(w, StatusNotImplemented)
		return false
	}
	if !session.TLSActive && !s.allowInsecureAuth {
		s.writeLine(w, StatusEncryptionRequired)
		return false
	}
	return true
}

func (s *Server) handleAuthLogin(session *Session, w *bufio.Writer, line string) {
	if !s.checkAuth(session, w, CmdAuthLogin) {
		return
	}

	// AUTH LOGIN may carry the username as initial response.
	if initial := strings.TrimSpace(line[len(CmdAuthLogin.Prefix):]); initial != "" {
		session.AuthLogin.RequestedUsername = true
		s.handleAuthLoginLine(session, w, initial)
		return
	}

	session.AuthLogin.RequestedUsername = true
	s.writeLine(w, StatusAuthUsername)
}

func (s *Server) handleAuthLoginLine(session *Session, w *bufio.Writer, line string) {
	if line == "*" {
		session.AuthLogin = AuthLogin{}
		s.writeLine(w, StatusAuthCancelled)
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		s.log.Warn("Failed to decode base64 credentials", sloki.WrapError(err))
		session.AuthLogin = AuthLogin{}
		s.writeLine(w, StatusInvalidBase64)
		return
	}

	if session.AuthLogin.RequestedUsername {
		session.AuthLogin.Username = string(decoded)
		session.AuthLogin.RequestedUsername = false
		session.AuthLogin.RequestedPassword = true
		s.writeLine(w, StatusAuthPassword)
		return
	}

	username := session.AuthLogin.Username
	session.AuthLogin = AuthLogin{}
	s.authenticate(session, w, username, string(decoded))
}

func (s *Server) handleAuthPlain(session *Session, w *bufio.Writer, line string) {
	if !s.checkAuth(session, w, CmdAuthPlain) {
		return
	}

	credentials := strings.TrimSpace(line[len(CmdAuthPlain.Prefix):])
	if credentials == "" {
		session.AuthLogin.RequestedPlain = true
		s.writeLine(w, StatusAuthContinue)
		return
	}

	s.handleAuthPlainLine(session, w, credentials)
}

func (s *Server) handleAuthPlainLine(session *Session, w *bufio.Writer, credentials string) {
	if credentials == "*" {
		s.writeLine(w, StatusAuthCancelled)
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(credentials)
	if err != nil {
		s.log.Warn("Failed to decode base64 credentials", sloki.WrapError(err))
		s.writeLine(w, StatusInvalidBase64)
		return
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		s.log.Warn("Invalid AUTH PLAIN credentials format")
		s.writeLine(w, StatusInvalidBase64)
		return
	}

	s.authenticate(session, w, parts[1], parts[2])
}

func (s *Server) authenticate(session *Session, w *bufio.Writer, username, password string) {
	a, err := s.accounts.Authenticate(username, password)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			s.log.Warn("Authentication failed", slog.String("username", username))
			s.writeLine(w, StatusAuthenticationFailed)
			return
		}

		s.log.Error("Failed to authenticate", sloki.WrapError(err))
		s.writeLine(w, StatusLocalError)
		return
	}

	session.Account = a
	s.writeLine(w, StatusAuthSuccess)
}

// parsePath extracts the address from "<addr> PARAM=..." as sent after
// MAIL FROM: and RCPT TO:.
func parsePath(arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if !strings.HasPrefix(arg, "<") {
		addr, _, _ := strings.Cut(arg, " ")
		return addr, addr != ""
	}

	end := strings.IndexByte(arg, '>')
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(arg[1:end]), true
}

func (s *Server) handleMailFrom(session *Session, w *bufio.Writer, line string) {
	if !session.HeloReceived {
		s.log.Warn(fmt.Sprintf("%s command received before %s", CmdMailFrom.Name, CmdEhlo.Name))
		s.writeLine(w, fmt.Sprintf(StatusBadSequence, CmdEhlo.Name))
		return
	}

	if s.requireAuth && session.Account == nil {
		s.writeLine(w, StatusAuthRequired)
		return
	}

	addr, ok := parsePath(line[len(CmdMailFrom.Prefix):])
	if !ok {
		s.writeLine(w, StatusSyntaxError)
		return
	}

	// Empty address is the null sender of bounces.
	if addr != "" && session.Account != nil && !session.Account.Owns(addr) {
		s.log.Warn(fmt.Sprintf("Sender %s not owned by account %s", addr, session.Account.Name))
		s.writeLine(w, StatusSenderNotOwned)
		return
	}

	session.Mail.Reset()
	session.Mail.Started = true
	session.Mail.From = addr

	s.writeLine(w, StatusOK)
}

func (s *Server) handleRcptTo(session *Session, w *bufio.Writer, line string) {
	if !session.Mail.Started {
		s.writeLine(w, fmt.Sprintf(StatusBadSequence, CmdMailFrom.Name))
		return
	}

	if len(session.Mail.To) >= s.maxRecipients {
		s.log.Warn(fmt.Sprintf("Maximum recipients exceeded for session from %s", session.RemoteAddr))
		s.writeLine(w, StatusTooManyRecipients)
		return
	}

	recipient, ok := parsePath(line[len(CmdRcptTo.Prefix):])
	if !ok || recipient == "" {
		s.writeLine(w, StatusSyntaxError)
		return
	}

	session.Mail.To = append(session.Mail.To, recipient)
	s.writeLine(w, StatusOK)
}

func (s *Server) handleData(session *Session, w *bufio.Writer, line string) {
	if !session.HeloReceived {
		s.writeLine(w, fmt.Sprintf(StatusBadSequence, CmdEhlo.Name))
		return
	}

	if len(session.Mail.To) == 0 {
		s.log.Warn(fmt.Sprintf("%s command received without any recipients", CmdData.Name))
		s.writeLine(w, fmt.Sprintf(StatusBadSequence, CmdRcptTo.Name))
		return
	}

	session.Mail.ReadingData = true
	s.writeLine(w, StatusStartMailInput)
}

func (s *Server) handleDataLine(session *Session, w *bufio.Writer, line string) {
	if line != "." {
		if session.Mail.overflow != "" {
			return
		}
		if len(line) > MaxLineLength {
			session.Mail.overflow = StatusLineTooLong
			return
		}

		line = strings.TrimPrefix(line, ".")
		if session.Mail.Size()+len(line)+2 > s.maxMessageSize {
			session.Mail.overflow = StatusMessageTooLarge
			return
		}

		session.Mail.add(line)
		return
	}

	defer session.Mail.Reset()

	if session.Mail.overflow != "" {
		s.writeLine(w, session.Mail.overflow)
		return
	}
	if reply, ok := s.reject[contentKeyword]; ok {
		s.writeLine(w, reply)
		return
	}
	if s.inbox == nil {
		s.writeLine(w, StatusOK)
		return
	}

	m, err := s.inbox.Deliver(session.accountID(), session.Mail.From, session.Mail.To, session.Mail.Raw())
	if err != nil {
		if errors.Is(err, inbox.ErrMessageTooLarge) {
			s.writeLine(w, StatusMessageTooLarge)
			return
		}

		s.log.Error("Failed to save incoming email", sloki.WrapError(err))
		s.writeLine(w, StatusLocalError)
		return
	}

	s.log.Info("Incoming email received", slog.String("id", m.ID), slog.String("from", m.From), slog.Any("to", m.To), slog.Int("size", m.Size))
	s.writeLine(w, fmt.Sprintf(StatusQueued, m.ID))
}

func (s *Server) writeMultiline(w *bufio.Writer, code int, lines []string) {
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := fmt.Fprintf(w, "%d%s%s\r\n", code, sep, line); err != nil {
			s.log.Error("Failed to write to connection", sloki.WrapError(err))
			return
		}
		s.log.Debug(fmt.Sprintf("S: %d%s%s", code, sep, line))
	}
	if err := w.Flush(); err != nil {
		s.log.Error("Failed to flush writer", sloki.WrapError(err))
	}
}

func (s *Server) writeLine(w *bufio.Writer, line string) {
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		s.log.Error("Failed to write to connection", sloki.WrapError(err))
		return
	}
	if err := w.Flush(); err != nil {
		s.log.Error("Failed to flush writer", sloki.WrapError(err))
		return
	}

	s.log.Debug("S: " + line)
}
