package smtp

import (
	"sync"
	"time"
)

// supervisor is the per-step idle timer. Each step re-arms it, so a slow but
// responsive server never times out as a whole.
type supervisor struct {
	d        time.Duration
	onExpire func(armed step)

	mu      sync.Mutex
	timer   *time.Timer
	armed   step
	expired bool
}

func newSupervisor(d time.Duration, onExpire func(armed step)) *supervisor {
	return &supervisor{d: d, onExpire: onExpire}
}

// arm restarts the timer for the step about to be performed.
func (s *supervisor) arm(st step) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = st
	s.timer = time.AfterFunc(s.d, s.fire)
}

func (s *supervisor) disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *supervisor) fire() {
	s.mu.Lock()
	s.expired = true
	armed := s.armed
	s.mu.Unlock()

	s.onExpire(armed)
}

func (s *supervisor) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}
