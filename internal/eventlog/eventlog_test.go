package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, data []byte) []map[string]any {
	t.Helper()

	var entries []map[string]any
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		var e map[string]any
		require.NoError(t, json.Unmarshal(s.Bytes(), &e), s.Text())
		entries = append(entries, e)
	}
	return entries
}

func TestLogger_Entries(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Configuration{Writer: &buf})
	require.NoError(t, err)

	l.ServerStarted(":8080")
	l.EmailSent("peter@example.org", "Hi")
	l.EmailFailed("peter@example.org", "Hi", "timeout", errors.New("smtp connection timeout"))
	l.APIRequest(slog.LevelWarn, "Invalid API key used", "GET", "/send", 403, slog.String("recipient", "peter@example.org"))

	entries := decode(t, buf.Bytes())
	require.Len(t, entries, 4)

	for _, e := range entries {
		assert.Contains(t, e, "timestamp")
		assert.Contains(t, e, "message")
		assert.NotContains(t, e, "msg")
	}

	assert.Equal(t, "serverStart", entries[0]["event"])
	assert.Equal(t, "INFO", entries[0]["level"])

	assert.Equal(t, "sendEmail", entries[1]["event"])
	assert.Equal(t, "sent", entries[1]["status"])
	assert.Equal(t, "peter@example.org", entries[1]["recipient"])

	assert.Equal(t, "ERROR", entries[2]["level"])
	assert.Equal(t, "failed", entries[2]["status"])
	assert.Equal(t, "timeout", entries[2]["errorKind"])
	assert.Equal(t, "Failed to send email: smtp connection timeout", entries[2]["message"])

	assert.Equal(t, "apiRequest", entries[3]["event"])
	assert.Equal(t, "WARN", entries[3]["level"])
	assert.EqualValues(t, 403, entries[3]["statusCode"])
}

func TestLogger_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mail.log")

	for i := 0; i < 2; i++ {
		l, err := New(Configuration{Path: path})
		require.NoError(t, err)
		l.EmailSent("peter@example.org", "Hi")
		require.NoError(t, l.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, decode(t, data), 2)
}

func TestLogger_Discard(t *testing.T) {
	l, err := New(Configuration{})
	require.NoError(t, err)
	l.ServerStarted(":8080")
	assert.NoError(t, l.Close())
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.EmailSent("peter@example.org", "Hello")
	assert.NoError(t, l.Close())
}
