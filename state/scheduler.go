package state

import (
	"fmt"
	"time"
)

// Timer is a pending callback created by a Scheduler.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the callback already ran or was stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay. Callbacks run on the same goroutine that owns the
// State, so they may touch it freely.
type Scheduler interface {
	AfterFunc(delay time.Duration, fun func()) Timer
}

// Dispatch Dispatches the function to run on the main thread without waiting for it to complete
func (e *Env) Dispatch(fun func(*State) error) {
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

// DispatchWait Dispatches the function to run on the main thread and wait for it to complete
func (e *Env) DispatchWait(fun func(*State) (any, error)) (any, error) {
	ret := make(chan Pair[any, error], 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- Pair[any, error]{res, err}
		return nil
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

// Task is a scheduled function. Stop must be called from the main thread.
type Task struct {
	timer *time.Timer
	done  bool
}

func (t *Task) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	t.timer.Stop()
	return true
}

func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) *Task {
	t := &Task{}
	t.timer = time.AfterFunc(delay, func() {
		e.Dispatch(func(s *State) error {
			// the task may have been stopped while this closure was queued
			if t.done {
				return nil
			}
			t.done = true
			return fun(s)
		})
	})
	return t
}

// AfterFunc makes Env a Scheduler.
func (e *Env) AfterFunc(delay time.Duration, fun func()) Timer {
	return e.ScheduleTask(func(*State) error {
		fun()
		return nil
	}, delay)
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for e.Context.Err() == nil {
		e.Dispatch(fun)
		select {
		case <-ticker.C:
		case <-e.Context.Done():
			return
		}
	}
}

func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}
