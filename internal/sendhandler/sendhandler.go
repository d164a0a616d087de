package sendhandler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/OliverSchlueter/goutils/problems"
	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-relay/internal/eventlog"
	"github.com/OliverSchlueter/mail-relay/internal/smtp"
	"golang.org/x/sync/semaphore"
)

// Sender is satisfied by *smtp.Client.
type Sender interface {
	Send(ctx context.Context, m smtp.Message) error
}

type Handler struct {
	sender Sender
	apiKey string
	events *eventlog.Logger
	sem    *semaphore.Weighted
	log    *slog.Logger
}

type Configuration struct {
	Sender Sender
	APIKey string
	Events *eventlog.Logger
	// MaxConcurrentSends bounds the sessions in flight, 4 by default.
	MaxConcurrentSends int64
	Logger             *slog.Logger
}

func New(config Configuration) *Handler {
	if config.MaxConcurrentSends <= 0 {
		config.MaxConcurrentSends = 4
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Events == nil {
		config.Events = eventlog.Discard()
	}

	return &Handler{
		sender: config.Sender,
		apiKey: config.APIKey,
		events: config.Events,
		sem:    semaphore.NewWeighted(config.MaxConcurrentSends),
		log:    config.Logger,
	}
}

func (h *Handler) Register(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"/send", h.handleSend)
	mux.HandleFunc(prefix+"/", h.handleNotFound)
}

// requiredParams are checked in this order, the first missing one is reported.
var requiredParams = []string{"key", "to", "subject", "text"}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.send(w, r)
	default:
		h.events.APIRequest(slog.LevelWarn, "Method not allowed", r.Method, r.URL.Path, http.StatusMethodNotAllowed)
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
	}
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	for _, param := range requiredParams {
		if query.Get(param) == "" {
			msg := "Missing required parameter: " + param
			h.events.APIRequest(slog.LevelWarn, msg, r.Method, r.URL.Path, http.StatusBadRequest, slog.String("missingParam", param))
			problems.ValidationError(param, msg).WriteToHTTP(w)
			return
		}
	}

	m := smtp.Message{
		To:      query.Get("to"),
		Subject: query.Get("subject"),
		Body:    query.Get("text"),
	}

	if subtle.ConstantTimeCompare([]byte(query.Get("key")), []byte(h.apiKey)) != 1 {
		h.events.APIRequest(slog.LevelWarn, "Invalid API key used", r.Method, r.URL.Path, http.StatusForbidden, slog.String("recipient", m.To))
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid API key"})
		return
	}

	if err := m.Validate(); err != nil {
		h.events.APIRequest(slog.LevelWarn, "Invalid email parameters", r.Method, r.URL.Path, http.StatusBadRequest, slog.String("error", err.Error()))
		problems.ValidationError(invalidField(err), err.Error()).WriteToHTTP(w)
		return
	}

	if err := h.sem.Acquire(r.Context(), 1); err != nil {
		h.events.APIRequest(slog.LevelWarn, "Request abandoned while waiting for a send slot", r.Method, r.URL.Path, http.StatusServiceUnavailable)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Server busy"})
		return
	}
	// A client that disconnects mid-session must not abort the delivery.
	err := h.sender.Send(context.WithoutCancel(r.Context()), m)
	h.sem.Release(1)

	if err != nil {
		kind := smtp.KindOf(err).String()
		h.log.Error("Send email error", slog.String("to", m.To), slog.String("kind", kind), sloki.WrapError(err))
		h.events.EmailFailed(m.To, m.Subject, kind, err)
		h.events.APIRequest(slog.LevelInfo, "API request processed", r.Method, r.URL.Path, http.StatusInternalServerError,
			slog.String("to", m.To),
			slog.String("subject", m.Subject),
			slog.String("error", err.Error()),
		)
		problems.InternalServerError("Failed to send email").WriteToHTTP(w)
		return
	}

	h.events.EmailSent(m.To, m.Subject)
	h.events.APIRequest(slog.LevelInfo, "API request processed", r.Method, r.URL.Path, http.StatusOK,
		slog.String("to", m.To),
		slog.String("subject", m.Subject),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "to": m.To})
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.events.APIRequest(slog.LevelWarn, "Endpoint not found: "+r.URL.Path, r.Method, r.URL.Path, http.StatusNotFound)
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Endpoint not found"})
}

func invalidField(err error) string {
	switch {
	case errors.Is(err, smtp.ErrInvalidRecipient), errors.Is(err, smtp.ErrMissingRecipient):
		return "to"
	case errors.Is(err, smtp.ErrInvalidSubject), errors.Is(err, smtp.ErrMissingSubject):
		return "subject"
	default:
		return "text"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		problems.InternalServerError("Error marshalling response").WriteToHTTP(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
