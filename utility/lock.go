package utility

import "time"

// TimedLock is a mutex acquired with a bounded wait. Store operations must
// never block indefinitely; a caller that fails to acquire the lock within its
// timeout treats the operation as failed-and-retryable.
type TimedLock struct {
	ch chan struct{}
}

func NewTimedLock() *TimedLock {
	l := &TimedLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Acquire returns false if the lock was not obtained within the timeout.
func (l *TimedLock) Acquire(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.ch:
		return true
	case <-timer.C:
		return false
	}
}

func (l *TimedLock) Release() {
	l.ch <- struct{}{}
}
