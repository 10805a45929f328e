package realtime

import (
	"time"

	"marketchat/cmd/identity/ids"
)

// NewConnectionID returns a ULID identifying one websocket connection. It is
// also the owner token stored in the presence entry.
func NewConnectionID(now time.Time) (string, error) {
	return ids.New(now)
}

// NewEnvelopeID returns a ULID for server-sent envelopes.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.New(now)
	if err != nil {
		return ""
	}
	return id
}
