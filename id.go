package tyler

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for thread ids, file ids, and synthesized tool-call ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUTC returns the current time in UTC. All thread and message
// timestamps are timezone-aware UTC.
func NowUTC() time.Time {
	return time.Now().UTC()
}
