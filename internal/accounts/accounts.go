package accounts

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type DB interface {
	GetByName(name string) (*Account, error)
	GetByEmail(email string) (*Account, error)
	Insert(account Account) error
}

type Store struct {
	db DB
}

type Configuration struct {
	DB DB
}

func NewStore(config Configuration) *Store {
	return &Store{
		db: config.DB,
	}
}

func (s *Store) GetByName(name string) (*Account, error) {
	return s.db.GetByName(name)
}

func (s *Store) GetByEmail(email string) (*Account, error) {
	return s.db.GetByEmail(email)
}

func (s *Store) Exists(email string) (bool, error) {
	_, err := s.db.GetByEmail(email)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create stores a with a fresh ID and the password replaced by its hash.
func (s *Store) Create(a Account) (*Account, error) {
	a.ID = uuid.NewString()
	a.Password = Hash(a.Password)
	if a.PrimaryEmail != "" && !a.Owns(a.PrimaryEmail) {
		a.Emails = append(a.Emails, a.PrimaryEmail)
	}

	if err := s.db.Insert(a); err != nil {
		return nil, fmt.Errorf("could not insert account %q: %w", a.Name, err)
	}
	return &a, nil
}

// Authenticate looks the account up by login name and checks the password.
// Unknown names and wrong passwords both yield ErrInvalidCredentials.
func (s *Store) Authenticate(name, password string) (*Account, error) {
	a, err := s.db.GetByName(name)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(a.Password), []byte(Hash(password))) != 1 {
		return nil, ErrInvalidCredentials
	}
	return a, nil
}

func Hash(password string) string {
	h := sha256.New()
	h.Write([]byte(password))
	return fmt.Sprintf("%x", h.Sum(nil))
}
