package core

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Checkout is a source tree at a commit, plus its submodule resolution state
type Checkout struct {
	Dir        string         `json:"dir"`
	Commit     string         `json:"commit,omitempty"`
	Ref        string         `json:"ref,omitempty"`
	Submodules SubmoduleState `json:"submodules"`
}

// SubmoduleState describes whether the submodules a checkout declares are initialized
type SubmoduleState struct {
	Declared   bool     `json:"declared"`
	Paths      []string `json:"paths,omitempty"`
	Unresolved []string `json:"unresolved,omitempty"`
}

// Resolved is true when nothing is declared or every declared submodule is initialized
func (s SubmoduleState) Resolved() bool {
	return !s.Declared || len(s.Unresolved) == 0
}

func (s SubmoduleState) String() string {
	switch {
	case !s.Declared:
		return "none"
	case s.Resolved():
		return "resolved"
	}
	return "unresolved"
}

// SubmoduleResolver inspects the submodule state of a directory
type SubmoduleResolver interface {
	Status(ctx context.Context, dir string) (SubmoduleState, error)
}

// GitSubmodules reads submodule state with the git CLI
type GitSubmodules struct {
	Git string
}

func NewGitSubmodules() *GitSubmodules {
	return &GitSubmodules{Git: "git"}
}

// Status reports no submodules when .gitmodules is absent, otherwise parses
// `git submodule status --recursive`.
func (g *GitSubmodules) Status(ctx context.Context, dir string) (SubmoduleState, error) {
	if _, err := os.Stat(filepath.Join(dir, ".gitmodules")); errors.Is(err, os.ErrNotExist) {
		return SubmoduleState{}, nil
	} else if err != nil {
		return SubmoduleState{}, err
	}

	out, err := g.git(ctx, dir, "submodule", "status", "--recursive")
	if err != nil {
		return SubmoduleState{Declared: true}, fmt.Errorf("git submodule status: %w", err)
	}
	paths, unresolved, err := parseSubmoduleStatus(out)
	if err != nil {
		return SubmoduleState{Declared: true}, err
	}
	return SubmoduleState{Declared: true, Paths: paths, Unresolved: unresolved}, nil
}

func (g *GitSubmodules) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.Git, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return string(out), nil
}

// parseSubmoduleStatus returns every submodule path and the paths that are
// not initialized ("-" prefix) or have merge conflicts ("U" prefix).
// A "+" prefix (checked out at a different commit) counts as initialized.
func parseSubmoduleStatus(out string) (paths, unresolved []string, err error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line[1:])
		if len(fields) < 2 {
			return nil, nil, fmt.Errorf("unexpected submodule status line %q", line)
		}
		paths = append(paths, fields[1])
		switch line[0] {
		case '-', 'U':
			unresolved = append(unresolved, fields[1])
		case ' ', '+':
		default:
			return nil, nil, fmt.Errorf("unexpected submodule status prefix in %q", line)
		}
	}
	return paths, unresolved, sc.Err()
}

// OpenCheckout describes the source tree at dir. Commit and ref are read
// from git when available; a directory outside git has neither.
func OpenCheckout(ctx context.Context, dir, ref string, resolver SubmoduleResolver) (*Checkout, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open checkout: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open checkout: %s is not a directory", abs)
	}

	c := &Checkout{Dir: abs, Ref: ref}
	g := NewGitSubmodules()
	if commit, err := g.git(ctx, abs, "rev-parse", "HEAD"); err == nil {
		c.Commit = strings.TrimSpace(commit)
		if c.Ref == "" {
			if branch, err := g.git(ctx, abs, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
				c.Ref = strings.TrimSpace(branch)
			}
		}
	}

	if resolver != nil {
		state, err := resolver.Status(ctx, abs)
		if err != nil {
			return nil, fmt.Errorf("open checkout: %w", err)
		}
		c.Submodules = state
	}
	return c, nil
}
