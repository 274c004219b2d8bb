// Package wake provides precise keyed wake-up timers.
//
// The job scheduler uses it for retry backoff without busy-polling, and
// periodic sync jobs use UpdateIfEarlier to wake sooner when a realtime push
// arrives mid-wait. Exactly one platform timer exists per id at any moment;
// rescheduling cancels and replaces it.
package wake

import (
	"sync"
	"time"

	"github.com/loomworks/loom/errors"
)

type timer struct {
	at   time.Time
	t    *time.Timer
	ch   chan time.Time
	gen  int // invalidates callbacks from replaced platform timers
}

// Scheduler manages at most one outstanding wake-up per id.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*timer
}

// New creates an empty wake scheduler.
func New() *Scheduler {
	return &Scheduler{
		timers: make(map[string]*timer),
	}
}

// SleepUntil registers a wake-up for id and returns a channel that receives
// exactly one value no earlier than at. Double registration for the same id
// is a programming error and fails with an assertion error - callers own the
// discipline of one outstanding wait per id.
func (s *Scheduler) SleepUntil(id string, at time.Time) (<-chan time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timers[id]; exists {
		return nil, errors.AssertionFailedf("wake timer already registered for id %q", id)
	}

	tm := &timer{
		at: at,
		ch: make(chan time.Time, 1),
	}
	gen := tm.gen
	tm.t = time.AfterFunc(durationUntil(at), func() {
		s.fire(id, gen)
	})
	s.timers[id] = tm

	return tm.ch, nil
}

// UpdateIfEarlier reschedules the timer for id strictly earlier and reports
// whether it did. It is a no-op (returns false) when no timer exists for id
// or when at is not strictly earlier than the scheduled time.
func (s *Scheduler) UpdateIfEarlier(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tm, exists := s.timers[id]
	if !exists || !at.Before(tm.at) {
		return false
	}

	// Replace the platform timer. Stop may race with an in-flight fire; the
	// generation check in fire() discards the stale callback either way.
	tm.t.Stop()
	tm.gen++
	tm.at = at
	gen := tm.gen
	tm.t = time.AfterFunc(durationUntil(at), func() {
		s.fire(id, gen)
	})

	return true
}

// Cancel resolves the timer for id immediately, if one exists.
// Reports whether a timer was resolved. Used on shutdown so waiters unblock.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tm, exists := s.timers[id]
	if !exists {
		return false
	}

	tm.t.Stop()
	delete(s.timers, id)
	tm.ch <- time.Now()
	return true
}

// Len returns the number of outstanding timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// fire resolves and removes the timer for id, unless the timer was replaced
// since this callback was armed.
func (s *Scheduler) fire(id string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tm, exists := s.timers[id]
	if !exists || tm.gen != gen {
		return
	}

	delete(s.timers, id)
	tm.ch <- time.Now()
}

func durationUntil(at time.Time) time.Duration {
	d := time.Until(at)
	if d < 0 {
		return 0
	}
	return d
}
