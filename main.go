package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-relay/internal/config"
	"github.com/OliverSchlueter/mail-relay/internal/eventlog"
	"github.com/OliverSchlueter/mail-relay/internal/sendhandler"
	"github.com/OliverSchlueter/mail-relay/internal/smtp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", sloki.WrapError(err))
		os.Exit(1)
	}

	level, _ := cfg.LogLevel()
	lokiService := sloki.NewService(sloki.Configuration{
		URL:          cfg.Logging.LokiURL,
		Service:      "mail-relay",
		ConsoleLevel: level,
		LokiLevel:    slog.LevelInfo,
		EnableLoki:   cfg.Logging.EnableLoki,
	})
	slog.SetDefault(slog.New(lokiService))

	events, err := eventlog.New(eventlog.Configuration{Path: cfg.EventLog})
	if err != nil {
		slog.Error("Failed to open event log", sloki.WrapError(err))
		os.Exit(1)
	}
	defer events.Close()

	account, err := cfg.Account()
	if err != nil {
		slog.Error("Invalid SMTP account", sloki.WrapError(err))
		os.Exit(1)
	}
	if account.InsecureSkipVerify {
		slog.Warn("TLS certificate verification of the upstream server is disabled")
	}

	signer, err := cfg.Signer()
	if err != nil {
		slog.Error("Failed to load DKIM key", sloki.WrapError(err))
		os.Exit(1)
	}

	client := smtp.NewClient(smtp.Configuration{
		Account: account,
		Signer:  signer,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	sendhandler.New(sendhandler.Configuration{
		Sender:             client,
		APIKey:             cfg.APIKey,
		Events:             events,
		MaxConcurrentSends: cfg.MaxConcurrentSends,
	}).Register("", mux)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Relay server started", slog.String("addr", cfg.Listen), slog.String("upstream", account.Host), slog.String("security", string(account.Security)))
		events.ServerStarted(cfg.Listen)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", sloki.WrapError(err))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*account.Timeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", sloki.WrapError(err))
	}
}
