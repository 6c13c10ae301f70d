package realtime

import (
	"time"

	"finlearn/cmd/identity/ids"
)

// NewConnID returns a ULID identifying one websocket connection in logs.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID for an outbound envelope.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
