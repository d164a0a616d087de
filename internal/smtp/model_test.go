package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSecurity(t *testing.T) {
	tests := []struct {
		mode string
		port int
		want Security
	}{
		{"", 465, SecurityImplicitTLS},
		{"", 587, SecurityStartTLS},
		{"", 25, SecurityPlain},
		{"", 2525, SecurityPlain},
		{"implicit-tls", 2525, SecurityImplicitTLS},
		{"TLS", 25, SecurityImplicitTLS},
		{"starttls", 25, SecurityStartTLS},
		{"opportunistic-starttls", 465, SecurityStartTLS},
		{"plain", 587, SecurityPlain},
	}

	for _, tt := range tests {
		got, err := ResolveSecurity(tt.mode, tt.port)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "mode=%q port=%d", tt.mode, tt.port)
	}

	_, err := ResolveSecurity("carrier-pigeon", 25)
	assert.ErrorIs(t, err, ErrUnknownSecurity)
}

func TestMessage_Validate(t *testing.T) {
	valid := testMessage()
	require.NoError(t, valid.Validate())

	tests := map[string]struct {
		edit func(m *Message)
		want error
	}{
		"missing to":        {func(m *Message) { m.To = "" }, ErrMissingRecipient},
		"missing subject":   {func(m *Message) { m.Subject = "" }, ErrMissingSubject},
		"missing body":      {func(m *Message) { m.Body = "" }, ErrMissingBody},
		"no at":             {func(m *Message) { m.To = "peter" }, ErrInvalidRecipient},
		"empty local part":  {func(m *Message) { m.To = "@example.org" }, ErrInvalidRecipient},
		"empty domain":      {func(m *Message) { m.To = "peter@" }, ErrInvalidRecipient},
		"command injection": {func(m *Message) { m.To = "a@b.c\r\nRSET" }, ErrInvalidRecipient},
		"header injection":  {func(m *Message) { m.Subject = "hi\r\nBcc: x@y.z" }, ErrInvalidSubject},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			m := testMessage()
			tt.edit(&m)
			assert.ErrorIs(t, m.Validate(), tt.want)
		})
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindProtocol, Step: "rcptto", Reply: "550 No such user here"}
	assert.Equal(t, "smtp protocol error at rcptto: 550 No such user here", err.Error())

	err = &Error{Kind: KindTimeout, Step: "data", Err: ErrTimeout}
	assert.Equal(t, "smtp timeout error at data: smtp connection timeout", err.Error())
	assert.ErrorIs(t, err, ErrTimeout)
}
