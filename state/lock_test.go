package state

import (
	"testing"
	"time"
)

func TestTimedMutexAcquire(t *testing.T) {
	mu := NewTimedMutex()
	if !mu.TryLockTimeout(time.Millisecond * 50) {
		t.Fatal("failed to acquire an uncontended lock")
	}
	mu.Unlock()
	if !mu.TryLockTimeout(time.Millisecond * 50) {
		t.Fatal("failed to reacquire after unlock")
	}
	mu.Unlock()
}

func TestTimedMutexBoundedWait(t *testing.T) {
	mu := NewTimedMutex()
	if !mu.TryLockTimeout(time.Millisecond * 50) {
		t.Fatal("failed to acquire")
	}

	start := time.Now()
	if mu.TryLockTimeout(time.Millisecond * 50) {
		t.Fatal("acquired a held lock")
	}
	elapsed := time.Since(start)
	if elapsed < time.Millisecond*50 {
		t.Errorf("gave up after %v, want at least the timeout", elapsed)
	}
	if elapsed > time.Millisecond*500 {
		t.Errorf("waited %v, the wait must be bounded", elapsed)
	}
	mu.Unlock()
}

func TestTimedMutexHandoff(t *testing.T) {
	mu := NewTimedMutex()
	if !mu.TryLockTimeout(time.Millisecond * 50) {
		t.Fatal("failed to acquire")
	}
	go func() {
		time.Sleep(time.Millisecond * 20)
		mu.Unlock()
	}()
	if !mu.TryLockTimeout(time.Millisecond * 200) {
		t.Fatal("did not acquire the lock released during the wait")
	}
	mu.Unlock()
}

func TestTimedMutexUnlockPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Unlock of an unheld lock did not panic")
		}
	}()
	NewTimedMutex().Unlock()
}
