package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/wneessen/go-mail"
)

func main() {
	var (
		upstreamHost = flag.String("upstream-host", "localhost", "development upstream host")
		upstreamPort = flag.Int("upstream-port", 2525, "development upstream port")
		user         = flag.String("user", "relay", "upstream login name")
		password     = flag.String("password", "relay123", "upstream password")
		from         = flag.String("from", "relay@localhost", "sender address")
		to           = flag.String("to", "peter@example.org", "recipient address")
		relayURL     = flag.String("relay", "http://localhost:8080", "relay base URL, empty to skip")
		apiKey       = flag.String("api-key", "", "relay API key")
	)
	flag.Parse()

	lokiService := sloki.NewService(sloki.Configuration{
		URL:          "http://localhost:3100/loki/api/v1/push",
		Service:      "mail-relay-e2e",
		ConsoleLevel: slog.LevelDebug,
		LokiLevel:    slog.LevelInfo,
		EnableLoki:   false,
	})
	slog.SetDefault(slog.New(lokiService))

	if err := referenceSubmission(*upstreamHost, *upstreamPort, *user, *password, *from, *to); err != nil {
		slog.Error("Reference submission failed", sloki.WrapError(err))
		os.Exit(1)
	}
	slog.Info("Reference submission accepted by upstream")

	if *relayURL == "" {
		return
	}
	if err := triggerRelay(*relayURL, *apiKey, *to); err != nil {
		slog.Error("Relay send failed", sloki.WrapError(err))
		os.Exit(1)
	}
}

// referenceSubmission delivers one message with go-mail, so the upstream is
// known to work before the relay is blamed.
func referenceSubmission(host string, port int, user, password, from, to string) error {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return fmt.Errorf("failed to set From address: %w", err)
	}
	if err := m.To(to); err != nil {
		return fmt.Errorf("failed to set To address: %w", err)
	}
	m.Subject("Reference submission")
	m.SetBodyString(mail.TypeTextPlain, "Sent with go-mail straight to the upstream.")

	c, err := mail.NewClient(
		host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthLoginNoEnc),
		mail.WithUsername(user),
		mail.WithPassword(password),
		mail.WithTLSPolicy(mail.NoTLS),
		mail.WithTimeout(10*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	return c.DialAndSend(m)
}

func triggerRelay(base, key, to string) error {
	params := url.Values{
		"key":     {key},
		"to":      {to},
		"subject": {"Relayed message"},
		"text":    {"Sent through the relay.\n.\nA lone dot above must survive."},
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(base + "/send?" + params.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var out map[string]any
	_ = json.Unmarshal(body, &out)
	slog.Info("Relay answered", slog.Int("status", resp.StatusCode), slog.Any("body", out))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay answered %d: %s", resp.StatusCode, body)
	}
	return nil
}
