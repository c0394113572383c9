package timer

import (
	"sync"
	"time"
)

// Manual is a virtual clock. Callbacks run synchronously inside Advance, in due-time
// order, without any Manual lock held, so they may schedule or cancel other jobs.
type Manual struct {
	mu        sync.Mutex
	now       time.Time
	seq       uint64
	jobs      map[*manualJob]struct{}
	scheduled int
	cancelled int
}

var _ Scheduler = (*Manual)(nil)

func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return &Manual{now: start, jobs: map[*manualJob]struct{}{}}
}

type manualJob struct {
	m      *Manual
	at     time.Time
	every  time.Duration
	repeat bool
	seq    uint64
	fn     func()
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Schedule(delay time.Duration, repeat bool, fn func()) (Job, error) {
	if err := validate(delay, repeat); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	j := &manualJob{m: m, at: m.now.Add(delay), every: delay, repeat: repeat, seq: m.seq, fn: fn}
	m.jobs[j] = struct{}{}
	m.scheduled++
	return j, nil
}

func (j *manualJob) Cancel() {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j]; ok {
		delete(m.jobs, j)
		m.cancelled++
	}
}

// Advance moves the clock forward by d, firing every job that comes due on the way.
// A repeating job fires once per elapsed period.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var next *manualJob
		for j := range m.jobs {
			if j.at.After(target) {
				continue
			}
			if next == nil || j.at.Before(next.at) || (j.at.Equal(next.at) && j.seq < next.seq) {
				next = j
			}
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.at
		if next.repeat {
			next.at = next.at.Add(next.every)
			m.seq++
			next.seq = m.seq
		} else {
			delete(m.jobs, next)
		}
		fn := next.fn
		m.mu.Unlock()
		fn()
	}
}

// Pending is the number of jobs still scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Scheduled counts Schedule calls that succeeded.
func (m *Manual) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduled
}

// Cancelled counts Cancel calls that removed a pending job.
func (m *Manual) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}
