package watchdog

import (
	"context"
	"strings"
	"time"
)

// State is the monitoring state of a Watchdog.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateTriggered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Reason explains why a forced logout happened.
type Reason string

const (
	ReasonInactivity        Reason = "inactivity"
	ReasonSessionSuperseded Reason = "session-superseded"
)

func (r Reason) Valid() bool {
	return r == ReasonInactivity || r == ReasonSessionSuperseded
}

// InputKind is a user input event forwarded by the client.
type InputKind string

const (
	InputPointerDown InputKind = "pointer_down"
	InputPointerMove InputKind = "pointer_move"
	InputKeyDown     InputKind = "key_down"
	InputScroll      InputKind = "scroll"
	InputTouchStart  InputKind = "touch_start"
)

// ParseInputKind accepts the qualifying input kinds and rejects everything else.
func ParseInputKind(s string) (InputKind, error) {
	k := InputKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Qualifying() {
		return "", ErrUnknownInput
	}
	return k, nil
}

// Qualifying reports whether k resets the inactivity timer.
func (k InputKind) Qualifying() bool {
	switch k {
	case InputPointerDown, InputPointerMove, InputKeyDown, InputScroll, InputTouchStart:
		return true
	default:
		return false
	}
}

// User is the signed-in identity being monitored.
type User struct {
	ID        string
	SessionID string
}

// ProfileSnapshot is one observed state of the server-held profile record.
type ProfileSnapshot struct {
	UserID          string
	ActiveSessionID string
	// HasActiveSession is false when the field is absent on the server.
	HasActiveSession bool
	UpdatedAt        time.Time
}

// Notice is the user-visible message shown after a forced logout.
type Notice struct {
	Reason      Reason `toml:"-"`
	Title       string `toml:"title"`
	Description string `toml:"description"`
	Variant     string `toml:"variant"`
}

// Authenticator answers who is signed in and signs them out. reason says
// why the watchdog ended the session.
type Authenticator interface {
	CurrentUser(ctx context.Context) (User, bool)
	SignOut(ctx context.Context, u User, reason Reason) error
}

// ProfileSource delivers live snapshots of a user's profile.
// The returned channel must be closed once ctx is cancelled.
type ProfileSource interface {
	Subscribe(ctx context.Context, userID string) (<-chan ProfileSnapshot, error)
}

// LocalSession is the client's locally persisted copy of the active session id.
type LocalSession interface {
	ActiveSessionID() (string, bool)
	Clear(ctx context.Context) error
}

// Surface shows notices and navigates the client.
type Surface interface {
	Notify(ctx context.Context, n Notice) error
	Navigate(ctx context.Context, path string) error
}
