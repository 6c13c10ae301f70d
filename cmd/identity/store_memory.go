package identity

import (
	"context"
	"strings"
	"sync"

	"finlearn/cmd/identity/ids"
)

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]User
	hashes     map[string]string
	byUsername map[string]string
	byEmail    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]User),
		hashes:     make(map[string]string),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	n, err := normalizeInput(op, in)
	if err != nil {
		return User{}, err
	}
	id, err := ids.NewULID(n.now)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n.usernameNorm != nil {
		if _, ok := s.byUsername[*n.usernameNorm]; ok {
			return User{}, ConflictError{Op: op, Field: "username"}
		}
	}
	if n.emailNorm != nil {
		if _, ok := s.byEmail[*n.emailNorm]; ok {
			return User{}, ConflictError{Op: op, Field: "email"}
		}
	}

	u := User{ID: id, Username: n.username, Email: n.email, DisplayName: n.displayName, CreatedAt: n.now}
	s.users[id] = u
	s.hashes[id] = in.PasswordHash
	if n.usernameNorm != nil {
		s.byUsername[*n.usernameNorm] = id
	}
	if n.emailNorm != nil {
		s.byEmail[*n.emailNorm] = id
	}
	return u, nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUserByID"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.TrimSpace(userID)]
	if !ok {
		return User{}, notFound(op)
	}
	return u, nil
}

func (s *MemoryStore) GetCredentials(ctx context.Context, login string) (Credentials, error) {
	const op = "identity.GetCredentials"
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	key, isEmail := NormalizeLogin(login)
	if key == "" {
		return Credentials{}, invalid(op, "empty login")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	index := s.byUsername
	if isEmail {
		index = s.byEmail
	}
	id, ok := index[key]
	if !ok {
		return Credentials{}, notFound(op)
	}
	return Credentials{User: s.users[id], PasswordHash: s.hashes[id]}, nil
}
