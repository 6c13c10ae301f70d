package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development runs and tests.
type MemoryStore struct {
	mu        sync.Mutex
	rows      map[string]*Row
	byRefresh map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:      make(map[string]*Row),
		byRefresh: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, now time.Time, in NewSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(now, in)
	return nil
}

func (s *MemoryStore) insertLocked(now time.Time, in NewSession) {
	loginID := in.LoginID
	if loginID == "" {
		loginID = in.ID
	}
	lu := now
	s.rows[in.ID] = &Row{
		ID:               in.ID,
		LoginID:          loginID,
		UserID:           in.UserID,
		RefreshTokenHash: in.RefreshHash,
		CreatedAt:        now,
		LastUsedAt:       &lu,
		ExpiresAt:        in.ExpiresAt,
	}
	s.byRefresh[in.RefreshHash] = in.ID
}

func (s *MemoryStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[sessionID]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return *r, nil
}

func (s *MemoryStore) Rotate(ctx context.Context, now time.Time, refreshHash string, next NewSession) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRefresh[refreshHash]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	old := s.rows[id]

	if err := checkRotatable(*old, now); err != nil {
		if err == ErrRefreshReuseDetected {
			s.revokeAllLocked(now, old.UserID, ReasonReuseDetected)
		}
		return Row{}, err
	}

	next.UserID = old.UserID
	next.LoginID = old.LoginID
	s.insertLocked(now, next)

	reason := ReasonRotation
	replacedBy := next.ID
	t := now
	old.RevokedAt = &t
	old.LastUsedAt = &t
	old.RevocationReason = &reason
	old.ReplacedBySessionID = &replacedBy
	return *old, nil
}

func (s *MemoryStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[sessionID]; ok {
		t := now
		r.LastUsedAt = &t
	}
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[sessionID]; ok {
		revokeRow(r, now, reason)
	}
	return nil
}

func (s *MemoryStore) RevokeLogin(ctx context.Context, now time.Time, loginID string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.LoginID == loginID {
			revokeRow(r, now, reason)
		}
	}
	return nil
}

func (s *MemoryStore) RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeAllLocked(now, userID, reason)
	return nil
}

func (s *MemoryStore) revokeAllLocked(now time.Time, userID string, reason string) {
	for _, r := range s.rows {
		if r.UserID == userID {
			revokeRow(r, now, reason)
		}
	}
}

// revokeRow keeps the first revocation time and reason.
func revokeRow(r *Row, now time.Time, reason string) {
	if r.RevokedAt == nil {
		t := now
		r.RevokedAt = &t
	}
	if r.RevocationReason == nil {
		rs := reason
		r.RevocationReason = &rs
	}
}
