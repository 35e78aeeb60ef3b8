package core

import (
	"context"
	"errors"
	"testing"
)

func TestSupervisorSupersedesSameKey(t *testing.T) {
	s := NewSupervisor()

	first, doneFirst := s.Start(context.Background(), "refs/heads/main")
	other, doneOther := s.Start(context.Background(), "refs/heads/dev")
	second, doneSecond := s.Start(context.Background(), "refs/heads/main")
	defer doneOther()
	defer doneSecond()

	if !errors.Is(context.Cause(first), ErrSuperseded) {
		t.Errorf("first run cause = %v, want superseded", context.Cause(first))
	}
	if second.Err() != nil || other.Err() != nil {
		t.Error("newer run or other branch was cancelled")
	}
	if s.Active() != 2 {
		t.Errorf("active = %d, want 2", s.Active())
	}

	// finishing a superseded run must not unregister its successor
	doneFirst()
	if s.Active() != 2 {
		t.Errorf("active after stale done = %d, want 2", s.Active())
	}
}

func TestSupervisorDoneAndCancelAll(t *testing.T) {
	s := NewSupervisor()
	ctx, done := s.Start(context.Background(), "main")
	done()
	if s.Active() != 0 || ctx.Err() == nil {
		t.Errorf("done must release the run: active=%d err=%v", s.Active(), ctx.Err())
	}
	if errors.Is(context.Cause(ctx), ErrSuperseded) {
		t.Error("a finished run is not superseded")
	}

	shutdown := errors.New("shutdown")
	a, _ := s.Start(context.Background(), "a")
	b, _ := s.Start(context.Background(), "b")
	s.CancelAll(shutdown)
	if !errors.Is(context.Cause(a), shutdown) || !errors.Is(context.Cause(b), shutdown) {
		t.Error("CancelAll did not cancel every run")
	}
	if s.Active() != 0 {
		t.Errorf("active = %d after CancelAll", s.Active())
	}
}
