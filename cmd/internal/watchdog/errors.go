package watchdog

import (
	"errors"
	"fmt"
)

var (
	ErrNotSignedIn  = errors.New("watchdog: no signed-in user")
	ErrUnknownInput = errors.New("watchdog: unknown input kind")
	ErrSubscribe    = errors.New("watchdog: profile subscription failed")
	ErrConfig       = errors.New("watchdog: invalid config")
)

// SignOutError is reported when every sign-out attempt failed.
type SignOutError struct {
	UserID   string
	Attempts int
	Err      error
}

func (e SignOutError) Error() string {
	return fmt.Sprintf("watchdog: sign-out failed for user %s after %d attempt(s): %v", e.UserID, e.Attempts, e.Err)
}

func (e SignOutError) Unwrap() error { return e.Err }
