// Package timer schedules callbacks after a delay, once or repeatedly.
//
// System is backed by time.AfterFunc and runs each callback on its own goroutine.
// Manual is a virtual clock for tests: nothing fires until Advance moves time forward.
package timer

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNegativeDelay = errors.New("timer: negative delay")
	ErrZeroRepeat    = errors.New("timer: repeating job needs a positive delay")
)

// Job is a scheduled callback. Cancel is idempotent; a callback already running is not interrupted.
type Job interface {
	Cancel()
}

type Scheduler interface {
	Schedule(delay time.Duration, repeat bool, fn func()) (Job, error)
	Now() time.Time
}

func validate(delay time.Duration, repeat bool) error {
	if delay < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeDelay, delay)
	}
	if repeat && delay == 0 {
		return ErrZeroRepeat
	}
	return nil
}

// System is the wall-clock scheduler.
type System struct{}

var _ Scheduler = System{}

func (System) Now() time.Time { return time.Now() }

func (System) Schedule(delay time.Duration, repeat bool, fn func()) (Job, error) {
	if err := validate(delay, repeat); err != nil {
		return nil, err
	}
	j := &systemJob{every: delay, repeat: repeat, fn: fn}
	j.mu.Lock()
	j.t = time.AfterFunc(delay, j.run)
	j.mu.Unlock()
	return j, nil
}

type systemJob struct {
	mu        sync.Mutex
	t         *time.Timer
	every     time.Duration
	repeat    bool
	cancelled bool
	fn        func()
}

func (j *systemJob) run() {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return
	}
	if j.repeat {
		// Re-arm before running so a slow callback does not drift the period.
		j.t = time.AfterFunc(j.every, j.run)
	}
	j.mu.Unlock()
	j.fn()
}

func (j *systemJob) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
	if j.t != nil {
		j.t.Stop()
	}
}
