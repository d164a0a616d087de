package smtp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Security selects how the transport to the upstream server is secured.
type Security string

const (
	// SecurityImplicitTLS encrypts the connection from the first byte (port 465).
	SecurityImplicitTLS Security = "implicit-tls"
	// SecurityStartTLS connects in plaintext and requires a STARTTLS upgrade
	// before credentials are sent (port 587).
	SecurityStartTLS Security = "opportunistic-starttls"
	// SecurityPlain never encrypts.
	SecurityPlain Security = "plain"
)

const (
	PortImplicitTLS = 465
	PortSubmission  = 587

	DefaultTimeout   = 10 * time.Second
	DefaultLocalName = "localhost"
)

var ErrUnknownSecurity = errors.New("unknown security mode")

// ResolveSecurity returns the security mode for the given configured mode and
// port. An empty mode falls back to the port convention.
func ResolveSecurity(mode string, port int) (Security, error) {
	switch Security(strings.ToLower(strings.TrimSpace(mode))) {
	case SecurityImplicitTLS, "tls", "ssl":
		return SecurityImplicitTLS, nil
	case SecurityStartTLS, "starttls":
		return SecurityStartTLS, nil
	case SecurityPlain, "none":
		return SecurityPlain, nil
	case "":
		switch port {
		case PortImplicitTLS:
			return SecurityImplicitTLS, nil
		case PortSubmission:
			return SecurityStartTLS, nil
		default:
			return SecurityPlain, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownSecurity, mode)
}

// Account is the upstream account every send goes through. It is shared
// read-only by all sessions.
type Account struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Security Security
	// Timeout is the idle deadline for each step, not for the whole session.
	Timeout time.Duration
	// InsecureSkipVerify disables certificate verification for implicit TLS
	// and STARTTLS. Only for upstreams with self-signed certificates.
	InsecureSkipVerify bool
	// LocalName is the client identity sent with EHLO.
	LocalName string
	// EscapeLeadingDots enables dot-stuffing of body lines starting with ".".
	EscapeLeadingDots bool
}

func (a Account) addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Account) timeout() time.Duration {
	if a.Timeout <= 0 {
		return DefaultTimeout
	}
	return a.Timeout
}

func (a Account) localName() string {
	if a.LocalName == "" {
		return DefaultLocalName
	}
	return a.LocalName
}

func (a Account) requiresUpgrade() bool {
	return a.Security == SecurityStartTLS
}

func (a Account) authenticates() bool {
	return a.Username != ""
}

var (
	ErrMissingRecipient = errors.New("missing recipient")
	ErrMissingSubject   = errors.New("missing subject")
	ErrMissingBody      = errors.New("missing body")
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrInvalidSubject   = errors.New("subject must not contain line breaks")
)

// Message is a single plain-text mail to one recipient.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Validate checks the message before it is put on the wire. Line breaks in
// the recipient or subject would let a caller inject commands or headers.
func (m Message) Validate() error {
	switch {
	case m.To == "":
		return ErrMissingRecipient
	case m.Subject == "":
		return ErrMissingSubject
	case m.Body == "":
		return ErrMissingBody
	}

	if strings.ContainsAny(m.To, "\r\n<> \t") {
		return ErrInvalidRecipient
	}
	at := strings.LastIndex(m.To, "@")
	if at <= 0 || at == len(m.To)-1 {
		return ErrInvalidRecipient
	}

	if strings.ContainsAny(m.Subject, "\r\n") {
		return ErrInvalidSubject
	}

	return nil
}
