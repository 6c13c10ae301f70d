// Package v1 defines the FinLearn realtime protocol v1.
//
// It is shared by the server and its clients; field names and type strings
// are wire-stable.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = 1

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "finlearn.realtime.v1"

// Client -> server.
const (
	TypeHello    = "hello"
	TypeView     = "view"
	TypeActivity = "activity"
	TypePing     = "ping"
)

// Server -> client.
const (
	TypeHelloAck      = "hello.ack"
	TypeSessionNotice = "session.notice"
	// TypeSessionClear tells the client to drop its tokens and its local
	// copy of the active session id.
	TypeSessionClear = "session.clear"
	TypeNavigate     = "navigate"
	TypePong         = "pong"
	TypeError        = "error"
)

var inbound = map[string]struct{}{
	TypeHello:    {},
	TypeView:     {},
	TypeActivity: {},
	TypePing:     {},
}

// Envelope is the wire wrapper for every frame.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks an inbound (client -> server) envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: got=%d want=%d", e.V, Version)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := inbound[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// Decode unmarshals the payload into dst. An empty payload leaves dst untouched.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// ---- payloads ----

// HelloPayload authenticates the connection. ActiveSessionID is the client's
// local copy of the id it received at login; View is the current route.
type HelloPayload struct {
	AccessToken     string `json:"access_token"`
	ActiveSessionID string `json:"active_session_id,omitempty"`
	View            string `json:"view,omitempty"`
}

type HelloAckPayload struct {
	ConnID          string `json:"conn_id"`
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id"`
	ActiveSessionID string `json:"active_session_id,omitempty"`
	Monitoring      bool   `json:"monitoring"`
	// InactivityTimeoutMS lets the client show a countdown.
	InactivityTimeoutMS int64 `json:"inactivity_timeout_ms"`
}

type ViewPayload struct {
	Path string `json:"path"`
}

type ActivityPayload struct {
	Kind string `json:"kind"`
}

type SessionNoticePayload struct {
	Reason      string `json:"reason"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Variant     string `json:"variant"`
}

type SessionClearPayload struct {
	Reason string `json:"reason,omitempty"`
}

type NavigatePayload struct {
	To string `json:"to"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
