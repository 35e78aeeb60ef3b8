package core

import (
	"context"
	"sync"
)

// Supervisor keeps at most one in-flight run per trigger context (branch ref).
// Starting a run for a key cancels the previous run for that key with ErrSuperseded.
type Supervisor struct {
	mu     sync.Mutex
	seq    uint64
	active map[string]activeRun
}

type activeRun struct {
	id     uint64
	cancel context.CancelCauseFunc
}

func NewSupervisor() *Supervisor {
	return &Supervisor{active: make(map[string]activeRun)}
}

// Start registers a run for key and returns its context plus a done func
// that must be called when the run has reported.
func (s *Supervisor) Start(ctx context.Context, key string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	s.seq++
	id := s.seq
	if prev, ok := s.active[key]; ok {
		prev.cancel(ErrSuperseded)
	}
	s.active[key] = activeRun{id: id, cancel: cancel}
	s.mu.Unlock()

	done := func() {
		s.mu.Lock()
		if cur, ok := s.active[key]; ok && cur.id == id {
			delete(s.active, key)
		}
		s.mu.Unlock()
		cancel(nil)
	}
	return runCtx, done
}

// Active is the number of in-flight runs
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// CancelAll cancels every in-flight run with cause
func (s *Supervisor) CancelAll(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, run := range s.active {
		run.cancel(cause)
		delete(s.active, key)
	}
}
