package inboxhandler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/OliverSchlueter/goutils/problems"
	"github.com/OliverSchlueter/mail-relay/internal/accounts"
	"github.com/OliverSchlueter/mail-relay/internal/inbox"
)

// AnonymousAccount lists messages submitted without authentication.
const AnonymousAccount = "anonymous"

type Handler struct {
	inbox    *inbox.Store
	accounts *accounts.Store
}

func New(inboxStore *inbox.Store, accountStore *accounts.Store) *Handler {
	return &Handler{
		inbox:    inboxStore,
		accounts: accountStore,
	}
}

func (h *Handler) Register(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"/accounts/{account}/messages", h.handleMessages)
	mux.HandleFunc(prefix+"/messages/{id}", h.handleMessage)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	accountName := r.PathValue("account")

	switch r.Method {
	case http.MethodGet:
		h.getMessages(w, r, accountName)
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
	}
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request, accountName string) {
	accountID := ""
	if accountName != AnonymousAccount {
		a, err := h.accounts.GetByName(accountName)
		if err != nil {
			if errors.Is(err, accounts.ErrAccountNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "Account not found"})
				return
			}
			problems.InternalServerError(err.Error()).WriteToHTTP(w)
			return
		}
		accountID = a.ID
	}

	messages, err := h.inbox.List(accountID)
	if err != nil {
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}
	if messages == nil {
		messages = []inbox.Message{}
	}

	writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		h.getMessage(w, r, id)
	case http.MethodDelete:
		h.deleteMessage(w, r, id)
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet, http.MethodDelete}).WriteToHTTP(w)
	}
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request, id string) {
	m, err := h.inbox.Get(id)
	if err != nil {
		if errors.Is(err, inbox.ErrMessageNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Message not found"})
			return
		}
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}

	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.inbox.Delete(id); err != nil {
		if errors.Is(err, inbox.ErrMessageNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Message not found"})
			return
		}
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}

	w.WriteHeader(http.StatusNoContent)
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
