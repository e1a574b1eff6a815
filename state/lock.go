package state

import "time"

// TimedMutex is a mutual-exclusion lock acquired with a bounded wait. The
// transport delivers data from an asynchronous callback context that may run
// interleaved with the main loop; blocking that context indefinitely risks
// starving the transport stack, so every acquisition has a cap and callers
// defer to the next scheduler tick on timeout.
type TimedMutex struct {
	ch chan struct{}
}

func NewTimedMutex() *TimedMutex {
	m := &TimedMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// TryLockTimeout acquires the lock, waiting at most timeout. Returns false if
// the lock could not be acquired before the deadline.
func (m *TimedMutex) TryLockTimeout(timeout time.Duration) bool {
	select {
	case <-m.ch:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.ch:
		return true
	case <-t.C:
		return false
	}
}

func (m *TimedMutex) Unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("unlock of unlocked TimedMutex")
	}
}
