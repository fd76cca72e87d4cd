// Package sched provides cancellable, keyed one-shot timers.
//
// Every delayed action in the engine — auto-recovery from the error state,
// retry backoff, the max-listening-duration timeout — is a scheduled task
// keyed by the session it belongs to. Superseding state transitions cancel
// the task by key, so a stale timer can never fire into a closed session.
package sched

import (
	"sync"
	"time"
)

// Scheduler owns a set of keyed one-shot timers. Scheduling a key that is
// already pending replaces the previous task. All methods are safe for
// concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arranges for fn to run after d. An existing task under the same
// key is cancelled first. After [Scheduler.Stop], Schedule is a no-op.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	s.timers[key] = time.AfterFunc(d, func() {
		// Deregister before running so fn may schedule the same key again.
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending task under key, reporting whether one existed.
// A task whose function has already started cannot be cancelled.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	return t.Stop()
}

// CancelPrefix cancels every pending task whose key starts with prefix and
// returns the number cancelled. Used to clear all timers of one session.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, t := range s.timers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			t.Stop()
			delete(s.timers, key)
			n++
		}
	}
	return n
}

// Pending returns the number of tasks currently scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending task and prevents new ones from being
// scheduled. Tasks whose functions are mid-flight are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
