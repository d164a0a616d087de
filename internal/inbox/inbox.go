package inbox

import (
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

type DB interface {
	List(accountID string) ([]Message, error)
	Get(id string) (*Message, error)
	Insert(message Message) error
	Delete(id string) error
}

type Store struct {
	db      DB
	maxSize int
	now     func() time.Time
}

type Configuration struct {
	DB DB
	// MaxSize limits the raw size of a delivered message, 0 means no limit.
	MaxSize int
}

func NewStore(cfg Configuration) *Store {
	return &Store{
		db:      cfg.DB,
		maxSize: cfg.MaxSize,
		now:     time.Now,
	}
}

// Deliver parses raw and stores it for accountID.
func (s *Store) Deliver(accountID, from string, to []string, raw string) (*Message, error) {
	if s.maxSize > 0 && len(raw) > s.maxSize {
		return nil, ErrMessageTooLarge
	}

	m := Message{
		ID:        uuid.NewString(),
		AccountID: accountID,
		From:      from,
		To:        to,
		Received:  s.now(),
		Size:      len(raw),
		Headers:   map[string]string{},
		Raw:       raw,
	}

	headers, body, err := parse(raw)
	if err != nil {
		// Keep unparseable messages, they are what the client sent.
		m.Body = raw
	} else {
		m.Headers = headers
		m.Body = body
	}

	if err := s.db.Insert(m); err != nil {
		return nil, fmt.Errorf("could not insert message: %w", err)
	}
	return &m, nil
}

func (s *Store) List(accountID string) ([]Message, error) {
	return s.db.List(accountID)
}

func (s *Store) Get(id string) (*Message, error) {
	return s.db.Get(id)
}

func (s *Store) Delete(id string) error {
	return s.db.Delete(id)
}

func parse(raw string) (map[string]string, string, error) {
	msg, err := mail.ReadMessage(strings.NewReader(raw))
	if err != nil {
		return nil, "", err
	}

	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		headers[k] = msg.Header.Get(k)
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, "", err
	}
	return headers, string(body), nil
}
