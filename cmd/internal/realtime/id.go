package realtime

import (
	"time"

	"courier/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.New(now)
}

// newEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by time, which keeps envelope ids useful in logs.
func newEnvelopeID(now time.Time) string {
	id, err := ids.New(now)
	if err != nil {
		return ""
	}
	return id
}
