package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock is the broker's leaf dependency for time and identifiers: monotonic
// time for durations/expirations, wall time for audit, and random-plus-time
// session ids (spec.md §2).
type Clock interface {
	Now() time.Time
	NewSessionID() string
}

// systemClock is the production Clock, backed by time.Now and google/uuid.
type systemClock struct{}

// NewSystemClock returns the production Clock.
func NewSystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewSessionID() string {
	return fmt.Sprintf("tx_%d_%s", time.Now().UnixNano(), uuid.NewString())
}
