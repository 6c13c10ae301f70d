package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"finlearn/cmd/internal/auth/session"
	"finlearn/cmd/internal/watchdog"
	v1 "finlearn/shared/contracts/realtime/v1"
)

var errSendQueueFull = errors.New("realtime: send queue full")

// Sessions is what the gateway needs from the auth layer.
type Sessions interface {
	Authenticate(ctx context.Context, accessToken string) (session.AccessClaims, error)
	// EndSession revokes the session and compare-and-clears the profile's
	// active session id. reason is a session.Reason* value.
	EndSession(ctx context.Context, claims session.AccessClaims, reason string) error
}

// conn is the per-connection state behind the watchdog's collaborators:
// it signs out through Sessions, holds the client's local copy of the
// active session id, and renders notices as envelopes.
type conn struct {
	sessions Sessions
	client   *Client
	claims   session.AccessClaims

	mu        sync.Mutex
	localID   string
	signedOut bool
}

var (
	_ watchdog.Authenticator = (*conn)(nil)
	_ watchdog.LocalSession  = (*conn)(nil)
	_ watchdog.Surface       = (*conn)(nil)
)

func (c *conn) CurrentUser(context.Context) (watchdog.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signedOut {
		return watchdog.User{}, false
	}
	return watchdog.User{ID: c.claims.UserID, SessionID: c.claims.SessionID}, true
}

func (c *conn) SignOut(ctx context.Context, _ watchdog.User, reason watchdog.Reason) error {
	if err := c.sessions.EndSession(ctx, c.claims, sessionReason(reason)); err != nil {
		return err
	}
	c.mu.Lock()
	c.signedOut = true
	c.localID = ""
	c.mu.Unlock()
	return c.send(v1.TypeSessionClear, v1.SessionClearPayload{Reason: string(reason)})
}

func (c *conn) ActiveSessionID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID, c.localID != ""
}

// Clear drops the local copy without server confirmation and tells the
// client to do the same.
func (c *conn) Clear(context.Context) error {
	c.mu.Lock()
	c.signedOut = true
	c.localID = ""
	c.mu.Unlock()
	return c.send(v1.TypeSessionClear, v1.SessionClearPayload{})
}

func (c *conn) Notify(_ context.Context, n watchdog.Notice) error {
	return c.send(v1.TypeSessionNotice, v1.SessionNoticePayload{
		Reason:      string(n.Reason),
		Title:       n.Title,
		Description: n.Description,
		Variant:     n.Variant,
	})
}

func (c *conn) Navigate(_ context.Context, path string) error {
	return c.send(v1.TypeNavigate, v1.NavigatePayload{To: path})
}

func (c *conn) send(typ string, payload any) error {
	env, err := newEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	if !c.client.Enqueue(env) {
		return errSendQueueFull
	}
	return nil
}

func sessionReason(r watchdog.Reason) string {
	switch r {
	case watchdog.ReasonInactivity:
		return session.ReasonInactivity
	case watchdog.ReasonSessionSuperseded:
		return session.ReasonSuperseded
	default:
		return session.ReasonLogout
	}
}

func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return v1.Envelope{}, err
		}
		raw = b
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: raw,
	}, nil
}
