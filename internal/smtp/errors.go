package smtp

import (
	"errors"
	"fmt"
)

// Kind classifies why a send failed.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport covers dial, read and write failures.
	KindTransport
	// KindTLS is a failed TLS handshake, at connect or at STARTTLS.
	KindTLS
	// KindTimeout means the upstream did not answer within the idle timeout.
	KindTimeout
	// KindProtocol is a failure reply or a reply that violates the protocol.
	KindProtocol
	// KindCapability means a required extension was not offered.
	KindCapability
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTLS:
		return "tls"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindCapability:
		return "capability"
	default:
		return "unknown"
	}
}

var (
	ErrTimeout            = errors.New("smtp connection timeout")
	ErrStartTLSNotOffered = errors.New("STARTTLS not supported by server")
	ErrUpgradeRejected    = errors.New("STARTTLS upgrade rejected")
	ErrUnexpectedReply    = errors.New("reply received with no command outstanding")
	ErrDataAfterStartTLS  = errors.New("plaintext data received after STARTTLS reply")
	ErrMalformedReply     = errors.New("malformed reply")
	ErrReplyLineTooLong   = errors.New("reply line too long")
	ErrReplyTooLong       = errors.New("reply has too many lines")
)

// Error is the single terminal error of a failed send.
type Error struct {
	Kind Kind
	// Step is the step that was in progress when the session failed.
	Step string
	// Reply is the raw reply text for failure replies, all lines joined by "\n".
	Reply string
	Err   error
}

func (e *Error) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("smtp %s error at %s: %s", e.Kind, e.Step, e.Reply)
	}
	return fmt.Sprintf("smtp %s error at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a send error, KindUnknown if err did not come
// from the client.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
