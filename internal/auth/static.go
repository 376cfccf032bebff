package auth

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// StaticUsers authenticates against an in-memory table of bcrypt hashes.
type StaticUsers struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

func NewStaticUsers() *StaticUsers {
	return &StaticUsers{hashes: make(map[string][]byte)}
}

// Add hashes password and stores it for username, replacing any previous
// entry.
func (s *StaticUsers) Add(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return errors.Wrap(err, "failed to hash password")
	}
	s.AddHash(username, hash)
	return nil
}

// AddHash stores an already hashed password.
func (s *StaticUsers) AddHash(username string, hash []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[username] = hash
}

func (s *StaticUsers) Authenticate(ctx context.Context, username, password string) (string, error) {
	s.mu.RLock()
	hash, ok := s.hashes[username]
	s.mu.RUnlock()

	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return username, nil
}
