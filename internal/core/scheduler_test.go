package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSchedulerPlan(t *testing.T) {
	p := DefaultPipeline()
	s := NewScheduler()

	all, err := s.Plan(p, nil)
	if err != nil || len(all) != 4 {
		t.Fatalf("plan all = %d stages, %v", len(all), err)
	}

	byKind, err := s.Plan(p, []string{"test", "format"})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, st := range byKind {
		names = append(names, st.Name)
	}
	if diff := cmp.Diff([]string{"fmt", "test"}, names); diff != "" {
		t.Errorf("plan keeps definition order (-want +got):\n%s", diff)
	}

	if _, err := s.Plan(p, []string{"deploy"}); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestSchedulerLimit(t *testing.T) {
	p := &Pipeline{MaxParallel: 2}
	cases := []struct {
		override, planned, want int
	}{
		{0, 4, 2},
		{3, 4, 3},
		{8, 4, 4},
		{0, 1, 1},
	}
	for _, tc := range cases {
		s := &Scheduler{MaxParallel: tc.override}
		if got := s.Limit(p, tc.planned); got != tc.want {
			t.Errorf("Limit(override=%d, planned=%d) = %d, want %d", tc.override, tc.planned, got, tc.want)
		}
	}
	if got := NewScheduler().Limit(&Pipeline{}, 4); got != 4 {
		t.Errorf("unbounded limit = %d, want all stages", got)
	}
}
