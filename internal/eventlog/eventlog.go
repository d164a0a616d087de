// Package eventlog writes the relay's audit trail as JSON lines.
//
// Every entry is written synchronously before the call returns and entries
// are serialized by the handler, so the file never holds interleaved or
// partial lines and nothing is buffered at shutdown.
package eventlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	EventServerStart = "serverStart"
	EventAPIRequest  = "apiRequest"
	EventSendEmail   = "sendEmail"
)

type Logger struct {
	log    *slog.Logger
	closer io.Closer
}

type Configuration struct {
	// Path is opened in append mode, parent directories are created.
	Path string
	// Writer is used when Path is empty. Both empty discards all events.
	Writer io.Writer
}

func New(config Configuration) (*Logger, error) {
	w := config.Writer
	var closer io.Closer

	if config.Path != "" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
			return nil, fmt.Errorf("could not create event log directory: %w", err)
		}

		f, err := os.OpenFile(config.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open event log: %w", err)
		}
		w, closer = f, f
	}
	if w == nil {
		w = io.Discard
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: replaceAttr,
	})

	return &Logger{log: slog.New(h), closer: closer}, nil
}

// Discard returns a Logger that drops every event.
func Discard() *Logger {
	return &Logger{log: slog.New(slog.DiscardHandler)}
}

// replaceAttr renames the built-in keys to timestamp, level and message.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}

	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
	case slog.MessageKey:
		a.Key = "message"
	case slog.LevelKey:
		a.Value = slog.StringValue(strings.ToUpper(a.Value.String()))
	}
	return a
}

func (l *Logger) write(level slog.Level, message, event string, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{slog.String("event", event)}, attrs...)
	l.log.LogAttrs(context.Background(), level, message, attrs...)
}

func (l *Logger) ServerStarted(addr string) {
	l.write(slog.LevelInfo, "Relay server started on "+addr, EventServerStart, slog.String("addr", addr))
}

func (l *Logger) EmailSent(to, subject string) {
	l.write(slog.LevelInfo, "Email sent successfully", EventSendEmail,
		slog.String("status", "sent"),
		slog.String("recipient", to),
		slog.String("subject", subject),
	)
}

func (l *Logger) EmailFailed(to, subject, kind string, err error) {
	l.write(slog.LevelError, "Failed to send email: "+err.Error(), EventSendEmail,
		slog.String("status", "failed"),
		slog.String("recipient", to),
		slog.String("subject", subject),
		slog.String("errorKind", kind),
		slog.String("errorDetails", err.Error()),
	)
}

// APIRequest records a processed request. Warn level is used for rejected
// requests, info for everything that reached the engine.
func (l *Logger) APIRequest(level slog.Level, message, method, endpoint string, status int, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("statusCode", status),
	}, attrs...)
	l.write(level, message, EventAPIRequest, attrs...)
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
