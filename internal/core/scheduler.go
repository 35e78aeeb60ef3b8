package core

import (
	"fmt"
	"strings"
)

// Scheduler decides which stages run and how many run at once.
// Stages are independent so there is no ordering between them.
type Scheduler struct {
	MaxParallel int // overrides the pipeline setting when > 0
}

// NewScheduler creates a new scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Plan returns the stages to run, in definition order. only selects stages
// by name or kind; empty selects all.
func (s *Scheduler) Plan(p *Pipeline, only []string) ([]Stage, error) {
	if len(only) == 0 {
		return append([]Stage(nil), p.Stages...), nil
	}

	want := make(map[string]bool, len(only))
	for _, name := range only {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := p.StageByName(name); !ok && !Kind(name).valid() {
			return nil, fmt.Errorf("pipeline %q has no stage %q", p.Name, name)
		}
		want[name] = true
	}

	var planned []Stage
	for _, st := range p.Stages {
		if want[st.Name] || want[string(st.Kind)] {
			planned = append(planned, st)
		}
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("selection %v matches no stage of pipeline %q", only, p.Name)
	}
	return planned, nil
}

// Limit is the number of stages allowed to run concurrently
func (s *Scheduler) Limit(p *Pipeline, planned int) int {
	limit := p.MaxParallel
	if s.MaxParallel > 0 {
		limit = s.MaxParallel
	}
	if limit <= 0 || limit > planned {
		limit = planned
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
