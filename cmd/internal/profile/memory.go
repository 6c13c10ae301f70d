package profile

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps profiles in process. It backs development runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Snapshot
	broker   *broker
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]Snapshot),
		broker:   newBroker(),
	}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return cloneSnapshot(p), nil
}

func (s *MemoryStore) SetActiveSession(ctx context.Context, userID, sessionID string, now time.Time) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	userID, sessionID, err := normalizeIDs(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	id := sessionID
	snap := Snapshot{UserID: userID, ActiveSessionID: &id, UpdatedAt: nowOr(now)}

	// Publish under the write lock so subscribers see writes in order.
	s.mu.Lock()
	s.profiles[userID] = snap
	s.broker.publish(cloneSnapshot(snap))
	s.mu.Unlock()

	return cloneSnapshot(snap), nil
}

func (s *MemoryStore) ClearActiveSession(ctx context.Context, userID, sessionID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	userID, sessionID, err := normalizeIDs(userID, sessionID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok || p.ActiveSessionID == nil || *p.ActiveSessionID != sessionID {
		return false, nil
	}
	p = Snapshot{UserID: userID, UpdatedAt: nowOr(now)}
	s.profiles[userID] = p
	s.broker.publish(p)
	return true, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	// Holding the read lock keeps a concurrent write from slipping between
	// the initial read and the registration.
	s.mu.RLock()
	defer s.mu.RUnlock()

	initial, ok := s.profiles[userID]
	if !ok {
		initial = Snapshot{UserID: userID}
	}
	return s.broker.subscribe(ctx, userID, cloneSnapshot(initial))
}

// Close ends every subscription.
func (s *MemoryStore) Close() {
	s.broker.close()
}

func cloneSnapshot(s Snapshot) Snapshot {
	if s.ActiveSessionID != nil {
		id := *s.ActiveSessionID
		s.ActiveSessionID = &id
	}
	return s
}
