package shared

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// WorkerID returns the identity of this worker process as host:pid.
// Two live workers on one host never share a pid, so the pair is unique
// among concurrent claimers.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// UTCNow returns the current UTC time truncated to millisecond precision.
// All persisted timestamps go through this so rows round-trip cleanly
// between the store, JSON artifacts, and lease comparisons.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewRequestID generates a request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// NewStackID generates a stack identifier.
func NewStackID() string {
	return uuid.NewString()
}

// ShortID returns the first 8 characters of a UUID-shaped identifier,
// used in artifact file names.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
