package core

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Kind identifies which verification a stage performs
type Kind string

const (
	KindFormat Kind = "format"
	KindDocs   Kind = "docs"
	KindLint   Kind = "lint"
	KindTest   Kind = "test"
)

// Kinds lists every stage kind in report order
var Kinds = []Kind{KindFormat, KindDocs, KindLint, KindTest}

func (k Kind) valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Isolation selects how a stage gets its copy of the checkout
type Isolation string

const (
	IsolationCopy   Isolation = "copy"   // private copy per stage (default)
	IsolationShared Isolation = "shared" // run in the checkout itself
)

const (
	DefaultStageTimeout     = 30 * time.Minute
	DefaultSubmoduleTimeout = 10 * time.Minute
	DefaultSubmoduleInit    = "git submodule update --init --recursive"
)

// Pipeline is a verification pipeline definition (from pipeline YAML)
type Pipeline struct {
	Name        string          `yaml:"name"`
	On          Trigger         `yaml:"on"`
	Isolation   Isolation       `yaml:"isolation,omitempty"`
	Exclude     []string        `yaml:"exclude,omitempty"`      // paths not copied into stage workspaces
	MaxParallel int             `yaml:"max_parallel,omitempty"` // 0 = all stages at once
	Submodules  SubmoduleConfig `yaml:"submodules"`
	Stages      []Stage         `yaml:"stages"`
}

// Trigger declares which events start the pipeline. Only pushes exist.
type Trigger struct {
	Push *PushTrigger `yaml:"push"`
}

// PushTrigger restricts pushes by branch glob; no branches means every branch
type PushTrigger struct {
	Branches []string `yaml:"branches,omitempty"`
}

// SubmoduleConfig is the explicit initialization step run before stages that need submodules
type SubmoduleConfig struct {
	Init    string        `yaml:"init"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Stage is one independent verification step of the pipeline
type Stage struct {
	Name               string            `yaml:"name"`
	Kind               Kind              `yaml:"kind"`
	RequiresSubmodules bool              `yaml:"requires_submodules,omitempty"`
	CheckOnly          bool              `yaml:"check_only,omitempty"` // stage must not modify the tree
	Timeout            time.Duration     `yaml:"timeout,omitempty"`
	Env                map[string]string `yaml:"env,omitempty"`
	Steps              []Step            `yaml:"steps"`
}

// Step represents a single command inside a stage
type Step struct {
	Name string `yaml:"name,omitempty"`
	Run  string `yaml:"run"` // shell command, e.g. "cargo fmt --all -- --check"
}

// Label names the step for logs, falling back to its command
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Run
}

// NeedsSubmodules reports whether the submodule precondition applies.
// Test stages always need it.
func (s Stage) NeedsSubmodules() bool {
	return s.RequiresSubmodules || s.Kind == KindTest
}

// Matches reports whether a push to ref triggers the pipeline
func (t Trigger) Matches(ref string) bool {
	if t.Push == nil {
		return false
	}
	if len(t.Push.Branches) == 0 {
		return true
	}
	branch := strings.TrimPrefix(ref, "refs/heads/")
	for _, pattern := range t.Push.Branches {
		if ok, _ := path.Match(pattern, branch); ok {
			return true
		}
	}
	return false
}

// StageByKind returns the first stage of the given kind
func (p *Pipeline) StageByKind(k Kind) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Kind == k {
			return s, true
		}
	}
	return Stage{}, false
}

// StageByName returns the stage with the given name
func (p *Pipeline) StageByName(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// applyDefaults fills in everything a definition may leave out
func (p *Pipeline) applyDefaults() {
	if p.Name == "" {
		p.Name = "verify"
	}
	if p.On.Push == nil {
		p.On.Push = &PushTrigger{}
	}
	if p.Isolation == "" {
		p.Isolation = IsolationCopy
	}
	if p.Submodules.Init == "" {
		p.Submodules.Init = DefaultSubmoduleInit
	}
	if p.Submodules.Timeout == 0 {
		p.Submodules.Timeout = DefaultSubmoduleTimeout
	}
	for i := range p.Stages {
		if p.Stages[i].Timeout == 0 {
			p.Stages[i].Timeout = DefaultStageTimeout
		}
	}
}

// stageNamePattern keeps stage names usable as log and workspace file names
var stageNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks the definition is runnable
func (p *Pipeline) Validate() error {
	var errs []error

	if len(p.Stages) == 0 {
		errs = append(errs, errors.New("pipeline has no stages"))
	}
	switch p.Isolation {
	case IsolationCopy, IsolationShared:
	default:
		errs = append(errs, fmt.Errorf("unknown isolation %q", p.Isolation))
	}
	if p.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("max_parallel must not be negative, got %d", p.MaxParallel))
	}
	if p.On.Push != nil {
		for _, pattern := range p.On.Push.Branches {
			if _, err := path.Match(pattern, ""); err != nil {
				errs = append(errs, fmt.Errorf("bad branch pattern %q: %w", pattern, err))
			}
		}
	}

	seen := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stage %d has no name", i+1))
		} else if !stageNamePattern.MatchString(s.Name) {
			errs = append(errs, fmt.Errorf("stage name %q: use only letters, digits, '-' and '_'", s.Name))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate stage name %q", s.Name))
		}
		seen[s.Name] = true

		if !s.Kind.valid() {
			errs = append(errs, fmt.Errorf("stage %q: unknown kind %q", s.Name, s.Kind))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("stage %q: negative timeout", s.Name))
		}
		if len(s.Steps) == 0 {
			errs = append(errs, fmt.Errorf("stage %q has no steps", s.Name))
		}
		for j, step := range s.Steps {
			if strings.TrimSpace(step.Run) == "" {
				errs = append(errs, fmt.Errorf("stage %q step %d: empty run command", s.Name, j+1))
			}
		}
	}
	return errors.Join(errs...)
}
