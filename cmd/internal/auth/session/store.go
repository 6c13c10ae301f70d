package session

import (
	"context"
	"net"
	"time"
)

// Revocation reasons recorded on session rows.
const (
	ReasonLogout        = "logout"
	ReasonRotation      = "rotation"
	ReasonReuseDetected = "reuse_detected"
	ReasonInactivity    = "inactivity"
	ReasonSuperseded    = "superseded"
)

// DeviceContext describes the client that owns a session.
type DeviceContext struct {
	RememberMe bool
	UserAgent  string
	IP         net.IP
}

// Row mirrors a finlearn.sessions row.
//
// LoginID is the id of the first session in a refresh-rotation chain. It is
// stable across rotations and is the value published as the profile's
// active session id.
type Row struct {
	ID                  string
	LoginID             string
	UserID              string
	RefreshTokenHash    string
	CreatedAt           time.Time
	LastUsedAt          *time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	RevocationReason    *string
	ReplacedBySessionID *string
}

// Active reports whether the row can still authenticate requests at now.
func (r Row) Active(now time.Time) bool {
	return r.RevokedAt == nil && r.ReplacedBySessionID == nil && r.ExpiresAt.After(now)
}

// NewSession describes a row to insert.
type NewSession struct {
	ID          string
	LoginID     string
	UserID      string
	RefreshHash string
	ExpiresAt   time.Time
	Device      DeviceContext
}

// Store abstracts persistence for session state.
type Store interface {
	Create(ctx context.Context, now time.Time, in NewSession) error
	GetByID(ctx context.Context, sessionID string) (Row, error)

	// Rotate atomically looks up the session owning refreshHash, checks it
	// with checkRotatable, inserts next (inheriting the login id) and marks
	// the old row rotated. On refresh reuse it revokes every session of the
	// user and returns ErrRefreshReuseDetected.
	Rotate(ctx context.Context, now time.Time, refreshHash string, next NewSession) (old Row, err error)

	Touch(ctx context.Context, now time.Time, sessionID string) error
	Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error
	// RevokeLogin revokes every row of one login chain, so a session that
	// was rotated since the caller last looked goes with it.
	RevokeLogin(ctx context.Context, now time.Time, loginID string, reason string) error
	RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error
}

// checkRotatable is the rotation decision shared by every Store.
func checkRotatable(row Row, now time.Time) error {
	switch {
	case !row.ExpiresAt.After(now):
		return ErrSessionExpired
	case row.RevokedAt != nil && row.ReplacedBySessionID != nil:
		return ErrRefreshReuseDetected
	case row.RevokedAt != nil:
		return ErrSessionRevoked
	default:
		return nil
	}
}
