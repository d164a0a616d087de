package smtp

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// generateTestCert creates a self-signed certificate for fake.test.
func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fake.test"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"fake.test", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// countingConn counts Close calls on the client end of the connection.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// countingDialer dials for real and keeps the connection it handed out.
type countingDialer struct {
	mu   sync.Mutex
	conn *countingConn
	err  error
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = &countingConn{Conn: conn}
	return d.conn, nil
}

func (d *countingDialer) closes() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return 0
	}
	return d.conn.closes.Load()
}

// fakeServer scripts the upstream side of a session. Commands are recorded
// by keyword: EHLO, STARTTLS, AUTH, USERNAME, PASSWORD, MAIL, RCPT, DATA,
// CONTENT and QUIT.
type fakeServer struct {
	TLS          *tls.Config
	ImplicitTLS  bool
	OmitStartTLS bool
	// Greeting replaces the 220 greeting.
	Greeting string
	// Reject answers the keyword with this reply instead of the normal one.
	Reject map[string]string
	// Extra is written right after the normal reply to the keyword.
	Extra map[string]string
	// Silent is the keyword that never gets an answer ("greeting" included).
	Silent string
	// Chunk splits every reply into writes of this many bytes.
	Chunk int
	// Delay is waited before every reply.
	Delay time.Duration

	mu        sync.Mutex
	commands  []string
	lines     []string
	data      string
	encrypted bool
}

func (f *fakeServer) record(keyword, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, keyword)
	f.lines = append(f.lines, line)
}

func (f *fakeServer) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeServer) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeServer) Data() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data
}

func (f *fakeServer) Encrypted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encrypted
}

func (f *fakeServer) count(keyword string) int {
	n := 0
	for _, c := range f.Commands() {
		if c == keyword {
			n++
		}
	}
	return n
}

func (f *fakeServer) write(conn net.Conn, reply string) error {
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}

	p := []byte(reply)
	chunk := f.Chunk
	if chunk <= 0 {
		chunk = len(p)
	}
	for len(p) > 0 {
		n := min(chunk, len(p))
		if _, err := conn.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (f *fakeServer) serve(conn net.Conn) {
	defer func() { conn.Close() }()

	if f.ImplicitTLS {
		tc := tls.Server(conn, f.TLS)
		if err := tc.Handshake(); err != nil {
			return
		}
		conn = tc
		f.mu.Lock()
		f.encrypted = true
		f.mu.Unlock()
	}

	r := bufio.NewReader(conn)

	if f.Silent == "greeting" {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	greeting := "220 fake.test ESMTP ready"
	if f.Greeting != "" {
		greeting = f.Greeting
	}
	if err := f.write(conn, greeting+"\r\n"); err != nil {
		return
	}

	var auth string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		keyword := strings.ToUpper(strings.Fields(line + " x")[0])
		switch auth {
		case "username":
			keyword, auth = "USERNAME", "password"
		case "password":
			keyword, auth = "PASSWORD", ""
		}
		f.record(keyword, line)

		if keyword == f.Silent {
			_, _ = io.Copy(io.Discard, r)
			return
		}

		reply, rejected := f.Reject[keyword]
		if !rejected {
			switch keyword {
			case "EHLO":
				lines := []string{"250-fake.test greets you", "250-SIZE 1048576", "250-8BITMIME"}
				if f.TLS != nil && !f.Encrypted() && !f.OmitStartTLS {
					lines = append(lines, "250-STARTTLS")
				}
				lines = append(lines, "250 AUTH LOGIN PLAIN")
				reply = strings.Join(lines, "\r\n")
			case "STARTTLS":
				reply = "220 Ready to start TLS"
			case "AUTH":
				reply = "334 VXNlcm5hbWU6"
				auth = "username"
			case "USERNAME":
				reply = "334 UGFzc3dvcmQ6"
			case "PASSWORD":
				reply = "235 Authentication successful"
			case "MAIL", "RCPT":
				reply = "250 OK"
			case "DATA":
				reply = "354 Start mail input; end with <CRLF>.<CRLF>"
			case "QUIT":
				reply = "221 fake.test closing connection"
			default:
				reply = "500 Unrecognized command"
			}
		}

		if extra, ok := f.Extra[keyword]; ok {
			reply += "\r\n" + extra
		}
		if err := f.write(conn, reply+"\r\n"); err != nil {
			return
		}
		if rejected {
			continue
		}

		switch keyword {
		case "STARTTLS":
			tc := tls.Server(conn, f.TLS)
			if err := tc.Handshake(); err != nil {
				return
			}
			conn = tc
			r = bufio.NewReader(tc)
			f.mu.Lock()
			f.encrypted = true
			f.mu.Unlock()

		case "DATA":
			var data strings.Builder
			for {
				dl, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if dl == ".\r\n" {
					break
				}
				data.WriteString(dl)
			}
			f.mu.Lock()
			f.data = data.String()
			f.mu.Unlock()
			f.record("CONTENT", "[content]")

			if f.Silent == "CONTENT" {
				_, _ = io.Copy(io.Discard, r)
				return
			}
			reply, ok := f.Reject["CONTENT"]
			if !ok {
				reply = "250 OK queued"
			}
			if err := f.write(conn, reply+"\r\n"); err != nil {
				return
			}

		case "QUIT":
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

type fakeSession struct {
	client *Client
	dialer *countingDialer
	done   chan struct{}
}

// wait blocks until the fake server has finished its connection.
func (p *fakeSession) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("fake server did not finish")
	}
}

func testAccount(security Security) Account {
	return Account{
		Host:               "127.0.0.1",
		Username:           "relay@example.com",
		Password:           "s3cret",
		From:               "relay@example.com",
		Security:           security,
		Timeout:            2 * time.Second,
		InsecureSkipVerify: true,
		LocalName:          "client.test",
		EscapeLeadingDots:  true,
	}
}

func testMessage() Message {
	return Message{
		To:      "peter@example.org",
		Subject: "Test Mail",
		Body:    "Hello Peter,\nthis is a test.\n",
	}
}

// newFakeSession starts srv on a loopback port for exactly one connection
// and returns a client pointed at it.
func newFakeSession(t *testing.T, account Account, srv *fakeServer) *fakeSession {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.serve(conn)
	}()

	account.Port = ln.Addr().(*net.TCPAddr).Port
	dialer := &countingDialer{}

	client := NewClient(Configuration{
		Account: account,
		Dialer:  dialer,
		Logger:  slog.New(slog.DiscardHandler),
	})

	return &fakeSession{client: client, dialer: dialer, done: done}
}
