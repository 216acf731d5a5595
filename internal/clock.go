package internal

import (
	"sync/atomic"
	"time"
)

// SystemClock reads wall-clock time and tracks whether it has been confirmed
// against an external source. Until then readings are flagged unreliable, so
// stored records can carry a held timestamp instead.
type SystemClock struct {
	reliable atomic.Bool
}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (c *SystemClock) IsReliable() bool {
	return c.reliable.Load()
}

// MarkSynchronized flags the clock as trustworthy. Called once the central
// system has confirmed the current time on BootNotification.
func (c *SystemClock) MarkSynchronized() {
	c.reliable.Store(true)
}
