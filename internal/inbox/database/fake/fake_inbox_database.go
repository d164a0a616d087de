package fake

import (
	"sync"

	"github.com/OliverSchlueter/mail-relay/internal/inbox"
)

type DB struct {
	Messages []inbox.Message
	mu       sync.Mutex
}

func NewDB() *DB {
	return &DB{
		Messages: []inbox.Message{},
	}
}

func (db *DB) List(accountID string) ([]inbox.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []inbox.Message
	for _, m := range db.Messages {
		if m.AccountID == accountID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (db *DB) Get(id string) (*inbox.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, m := range db.Messages {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, inbox.ErrMessageNotFound
}

func (db *DB) Insert(message inbox.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.Messages {
		if existing.ID == message.ID {
			return inbox.ErrMessageAlreadyExists
		}
	}

	db.Messages = append(db.Messages, message)
	return nil
}

func (db *DB) Delete(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, m := range db.Messages {
		if m.ID == id {
			db.Messages = append(db.Messages[:i], db.Messages[i+1:]...)
			return nil
		}
	}
	return inbox.ErrMessageNotFound
}
