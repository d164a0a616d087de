package upstream

import (
	"strings"

	"github.com/OliverSchlueter/mail-relay/internal/accounts"
)

type Session struct {
	ID           string
	Hostname     string
	RemoteAddr   string
	TLSActive    bool
	HeloReceived bool
	Mail         Mail
	AuthLogin    AuthLogin
	// Account is set once AUTH succeeded.
	Account *accounts.Account
}

func (s *Session) accountID() string {
	if s.Account == nil {
		return ""
	}
	return s.Account.ID
}

type Mail struct {
	Started     bool
	From        string
	To          []string
	DataBuffer  []string
	ReadingData bool
	size        int
	// overflow records a line or size limit hit during DATA, answered at the final dot.
	overflow string
}

func (m *Mail) add(line string) {
	m.DataBuffer = append(m.DataBuffer, line)
	m.size += len(line) + 2
}

// Raw returns the transferred message with CRLF line endings.
func (m *Mail) Raw() string {
	var b strings.Builder
	b.Grow(m.size)
	for _, line := range m.DataBuffer {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

func (m *Mail) Size() int {
	return m.size
}

func (m *Mail) Reset() {
	*m = Mail{}
}

type AuthLogin struct {
	RequestedUsername bool
	Username          string
	RequestedPassword bool
	// RequestedPlain is set after an AUTH PLAIN without initial response.
	RequestedPlain bool
}

func (a AuthLogin) pending() bool {
	return a.RequestedUsername || a.RequestedPassword || a.RequestedPlain
}
