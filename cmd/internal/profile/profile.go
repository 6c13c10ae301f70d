// Package profile holds the authoritative per-user record the session
// watchdog reads: which session id is currently allowed to be active.
package profile

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("profile: not found")
	ErrInvalidInput = errors.New("profile: invalid input")
	ErrClosed       = errors.New("profile: store closed")
)

// Snapshot is one state of a profile record.
type Snapshot struct {
	UserID string `json:"user_id"`
	// ActiveSessionID is nil when no session has been established.
	ActiveSessionID *string   `json:"active_session_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ActiveSession returns the active session id and whether it is set.
func (s Snapshot) ActiveSession() (string, bool) {
	if s.ActiveSessionID == nil || *s.ActiveSessionID == "" {
		return "", false
	}
	return *s.ActiveSessionID, true
}

// Store reads, writes and streams profile records.
//
// Subscribe delivers the current snapshot first and then every change. The
// channel holds at most one pending value: a slow reader skips to the latest
// snapshot. It is closed once ctx is done.
type Store interface {
	Get(ctx context.Context, userID string) (Snapshot, error)
	SetActiveSession(ctx context.Context, userID, sessionID string, now time.Time) (Snapshot, error)
	// ClearActiveSession unsets the field only while it still equals
	// sessionID. It reports whether the record changed.
	ClearActiveSession(ctx context.Context, userID, sessionID string, now time.Time) (bool, error)
	Subscribe(ctx context.Context, userID string) (<-chan Snapshot, error)
}

func normalizeIDs(userID, sessionID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || sessionID == "" {
		return "", "", ErrInvalidInput
	}
	return userID, sessionID, nil
}

func nowOr(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}
