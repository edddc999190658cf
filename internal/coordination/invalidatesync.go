package coordination

import (
	"sync"
	"time"
)

// InvalidateSync debounces and single-flights an arbitrary invalidation
// signal: many calls to Trigger() inside the debounce window collapse
// into one call of fn, with a later Trigger() never re-entering fn while
// a run is already in flight. Generalized from the debounced-fsnotify
// pattern used for tailing rollout files to any invalidate-and-refresh
// operation (e.g. "re-read daemon state", "re-scan sessions").
type InvalidateSync struct {
	mu       sync.Mutex
	timer    *time.Timer
	running  bool
	pending  bool
	debounce time.Duration
	fn       func()
}

// NewInvalidateSync builds an InvalidateSync that runs fn no more often
// than once per debounce window.
func NewInvalidateSync(debounce time.Duration, fn func()) *InvalidateSync {
	return &InvalidateSync{debounce: debounce, fn: fn}
}

// Trigger schedules a run of fn, coalescing with any already-pending timer.
func (s *InvalidateSync) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.pending = true
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
}

func (s *InvalidateSync) fire() {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.fn()

	s.mu.Lock()
	s.running = false
	rerun := s.pending
	s.pending = false
	s.mu.Unlock()

	if rerun {
		s.Trigger()
	}
}

// Stop cancels any pending scheduled run.
func (s *InvalidateSync) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}
