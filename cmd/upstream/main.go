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
	"github.com/OliverSchlueter/mail-relay/internal/accounts"
	accountsfake "github.com/OliverSchlueter/mail-relay/internal/accounts/database/fake"
	"github.com/OliverSchlueter/mail-relay/internal/inbox"
	inboxfake "github.com/OliverSchlueter/mail-relay/internal/inbox/database/fake"
	"github.com/OliverSchlueter/mail-relay/internal/inboxhandler"
	"github.com/OliverSchlueter/mail-relay/internal/upstream"
)

func main() {
	var (
		addr         = flag.String("addr", ":2525", "SMTP listen address")
		httpAddr     = flag.String("http", ":8025", "listen address of the inbox API, empty to disable")
		hostname     = flag.String("hostname", "localhost", "server hostname used in greetings")
		certFile     = flag.String("cert", "", "TLS certificate file")
		keyFile      = flag.String("key", "", "TLS key file")
		implicitTLS  = flag.Bool("implicit-tls", false, "start TLS on connect instead of offering STARTTLS")
		insecureAuth = flag.Bool("insecure-auth", true, "allow AUTH without TLS")
		user         = flag.String("user", "relay", "login name of the demo account")
		password     = flag.String("password", "relay123", "password of the demo account")
		email        = flag.String("email", "relay@localhost", "address of the demo account")
	)
	flag.Parse()

	lokiService := sloki.NewService(sloki.Configuration{
		URL:          "http://localhost:3100/loki/api/v1/push",
		Service:      "mail-relay-upstream",
		ConsoleLevel: slog.LevelDebug,
		LokiLevel:    slog.LevelInfo,
		EnableLoki:   false,
	})
	slog.SetDefault(slog.New(lokiService))

	// accounts
	as := accounts.NewStore(accounts.Configuration{
		DB: accountsfake.NewDB(),
	})
	if _, err := as.Create(accounts.Account{
		Name:         *user,
		Password:     *password,
		PrimaryEmail: *email,
	}); err != nil {
		slog.Error("Failed to create demo account", sloki.WrapError(err))
		os.Exit(1)
	}

	// inbox
	ib := inbox.NewStore(inbox.Configuration{
		DB:      inboxfake.NewDB(),
		MaxSize: upstream.DefaultMaxMessageSize,
	})

	// smtp server
	smtpServer, err := upstream.NewServer(upstream.Configuration{
		Hostname:          *hostname,
		Addr:              *addr,
		CertFile:          *certFile,
		KeyFile:           *keyFile,
		ImplicitTLS:       *implicitTLS,
		RequireAuth:       true,
		AllowInsecureAuth: *insecureAuth,
		Accounts:          as,
		Inbox:             ib,
	})
	if err != nil {
		slog.Error("Failed to create SMTP server", sloki.WrapError(err))
		os.Exit(1)
	}
	go func() {
		if err := smtpServer.Start(); err != nil {
			slog.Error("SMTP server failed", sloki.WrapError(err))
			os.Exit(1)
		}
	}()

	// inbox api
	var httpServer *http.Server
	if *httpAddr != "" {
		mux := http.NewServeMux()
		inboxhandler.New(ib, as).Register("/api/v1", mux)

		httpServer = &http.Server{Addr: *httpAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info("Started inbox API", slog.String("addr", *httpAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Inbox API failed", sloki.WrapError(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if err := smtpServer.Close(); err != nil {
		slog.Warn("Failed to close SMTP server", sloki.WrapError(err))
	}
}
