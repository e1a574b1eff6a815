package state

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testEnv(t *testing.T) (*State, chan func(*State) error, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	dispatchChan := make(chan func(*State) error, 32)
	env := &Env{
		DispatchChannel: dispatchChan,
		Context:         ctx,
		Cancel: func(err error) {
			cancel()
		},
	}
	return &State{Env: env}, dispatchChan, cancel
}

func TestDispatch(t *testing.T) {
	state, dispatchChan, cancel := testEnv(t)
	defer cancel()

	var called bool

	go func() {
		select {
		case f := <-dispatchChan:
			if err := f(state); err != nil {
				t.Errorf("Dispatch error: %v", err)
			}
		case <-time.After(100 * time.Millisecond):
			t.Error("Timed out waiting for dispatched function")
		}
	}()

	state.Dispatch(func(s *State) error {
		called = true
		return nil
	})

	time.Sleep(150 * time.Millisecond)

	if !called {
		t.Fatal("Dispatch function was not executed")
	}
}

func TestDispatchWait(t *testing.T) {
	state, dispatchChan, cancel := testEnv(t)
	defer cancel()

	go func() {
		for f := range dispatchChan {
			_ = f(state)
		}
	}()

	res, err := state.DispatchWait(func(s *State) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("DispatchWait error: %v", err)
	}
	if res.(int) != 42 {
		t.Fatalf("DispatchWait returned %v, want 42", res)
	}
}

func TestScheduleTaskDelays(t *testing.T) {
	state, dispatchChan, cancel := testEnv(t)
	defer cancel()

	fired := make(chan time.Time, 1)
	go func() {
		for f := range dispatchChan {
			_ = f(state)
		}
	}()

	start := time.Now()
	state.ScheduleTask(func(s *State) error {
		fired <- time.Now()
		return nil
	}, 100*time.Millisecond)

	select {
	case at := <-fired:
		if at.Sub(start) < 100*time.Millisecond {
			t.Errorf("task fired after %v, want at least 100ms", at.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for scheduled task")
	}
}

func TestScheduleTaskCancel(t *testing.T) {
	state, dispatchChan, cancel := testEnv(t)
	defer cancel()

	var mu sync.Mutex
	fired := false
	go func() {
		for f := range dispatchChan {
			_ = f(state)
		}
	}()

	task := state.ScheduleTask(func(s *State) error {
		mu.Lock()
		fired = true
		mu.Unlock()
		return nil
	}, 50*time.Millisecond)
	task.Cancel()

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("cancelled task fired")
	}
}

// Cancelling after the timer expired but before the dispatch ran must still
// suppress the task.
func TestScheduleTaskCancelAfterExpiry(t *testing.T) {
	state, dispatchChan, cancel := testEnv(t)
	defer cancel()

	fired := false
	task := state.ScheduleTask(func(s *State) error {
		fired = true
		return nil
	}, 10*time.Millisecond)

	// let the timer expire while nothing drains the channel
	time.Sleep(50 * time.Millisecond)
	task.Cancel()

	for {
		select {
		case f := <-dispatchChan:
			_ = f(state)
		default:
			if fired {
				t.Fatal("task ran despite cancellation before dispatch")
			}
			return
		}
	}
}

func TestRepeatTask(t *testing.T) {
	state, dispatchChan, cancel := testEnv(t)
	defer cancel()

	count := 0
	done := make(chan bool)
	go func() {
		for f := range dispatchChan {
			_ = f(state)
		}
	}()

	state.RepeatTask(func(s *State) error {
		count++
		if count == 3 {
			select {
			case done <- true:
			default:
			}
		}
		return nil
	}, 20*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("repeat task ran %d times, want at least 3", count)
	}
}
