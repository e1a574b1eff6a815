package state

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Dispatch runs the function on the main loop goroutine without waiting for
// it to complete.
func (e *Env) Dispatch(fun func(s *State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

// DispatchWait runs the function on the main loop goroutine and waits for it
// to complete.
func (e *Env) DispatchWait(fun func(s *State) (any, error)) (any, error) {
	ret := make(chan Pair[any, error], 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- Pair[any, error]{res, err}
		return err
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

// ScheduledTask is a one-shot task armed in delayed mode. It fires no earlier
// than its delay, and never after Cancel.
type ScheduledTask struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

// Cancel stops the task. A cancelled task will not fire even if its timer
// expired before the dispatch ran.
func (t *ScheduledTask) Cancel() {
	t.cancelled.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}

// ScheduleTask dispatches the function to the main loop after the delay
// elapses. The timer is always armed delayed; firing immediately would
// silently defeat retry backoff.
func (e *Env) ScheduleTask(fun func(s *State) error, delay time.Duration) *ScheduledTask {
	st := &ScheduledTask{}
	st.timer = time.AfterFunc(delay, func() {
		if st.cancelled.Load() {
			return
		}
		e.Dispatch(func(s *State) error {
			if st.cancelled.Load() {
				return nil
			}
			return fun(s)
		})
	})
	return st
}

func (e *Env) repeatedTask(fun func(s *State) error, delay time.Duration) {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		e.Dispatch(fun)
		select {
		case <-ticker.C:
		case <-e.Context.Done():
			return
		}
	}
}

// RepeatTask dispatches the function to the main loop now and then once per
// period until the environment shuts down.
func (e *Env) RepeatTask(fun func(s *State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}

type Pair[T1 any, T2 any] struct {
	V1 T1
	V2 T2
}
