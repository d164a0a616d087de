package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OliverSchlueter/mail-relay/internal/smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
api_key: secret-key
smtp:
  host: smtp.example.com
  port: 587
  username: relay@example.com
  password: s3cret
  from: relay@example.com
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.EqualValues(t, 4, cfg.MaxConcurrentSends)
	assert.Equal(t, "logs/mail.log", cfg.EventLog)
	assert.Equal(t, smtp.DefaultTimeout, cfg.SMTP.Timeout.Duration)

	account, err := cfg.Account()
	require.NoError(t, err)
	assert.Equal(t, smtp.SecurityStartTLS, account.Security)
	assert.True(t, account.EscapeLeadingDots)
	assert.False(t, account.InsecureSkipVerify)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	signer, err := cfg.Signer()
	require.NoError(t, err)
	assert.Nil(t, signer)
}

func TestParse_Timeout(t *testing.T) {
	tests := map[string]time.Duration{
		"15000": 15 * time.Second,
		"2s":    2 * time.Second,
		"1m30s": 90 * time.Second,
	}

	for value, want := range tests {
		cfg, err := Parse([]byte(minimal + "  timeout: " + value + "\n"))
		require.NoError(t, err, value)
		assert.Equal(t, want, cfg.SMTP.Timeout.Duration, value)
	}

	_, err := Parse([]byte(minimal + "  timeout: soon\n"))
	assert.Error(t, err)
}

func TestParse_ExplicitOptions(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
  security: plain
  insecure_skip_verify: true
  escape_leading_dots: false
  local_name: relay.example.com
logging:
  level: debug
`))
	require.NoError(t, err)

	account, err := cfg.Account()
	require.NoError(t, err)
	assert.Equal(t, smtp.SecurityPlain, account.Security)
	assert.True(t, account.InsecureSkipVerify)
	assert.False(t, account.EscapeLeadingDots)
	assert.Equal(t, "relay.example.com", account.LocalName)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "from-env")
	t.Setenv(EnvSMTPPassword, "env-password")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, "env-password", cfg.SMTP.Password)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("smtp:\n  port: 0\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.ErrorIs(t, err, ErrMissingHost)
	assert.ErrorIs(t, err, ErrInvalidPort)
	assert.ErrorIs(t, err, ErrInvalidFrom)

	_, err = Parse([]byte(minimal + "  security: carrier-pigeon\n"))
	assert.ErrorIs(t, err, smtp.ErrUnknownSecurity)

	_, err = Parse([]byte(minimal + "logging:\n  level: loud\n"))
	assert.Error(t, err)

	_, err = Parse([]byte(minimal + "  dkim:\n    selector: mail\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("api_key: [unterminated"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
