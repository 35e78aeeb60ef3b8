package core

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Isolator gives a stage its own working tree
type Isolator interface {
	// Prepare returns the directory the stage runs in and a cleanup func
	Prepare(ctx context.Context, src, stage string) (string, func(), error)
}

// SharedIsolator runs stages in the checkout itself
type SharedIsolator struct{}

func (SharedIsolator) Prepare(_ context.Context, src, _ string) (string, func(), error) {
	return src, func() {}, nil
}

// CopyIsolator copies the checkout into a fresh temporary directory per stage
type CopyIsolator struct {
	TempDir string   // parent of stage workspaces; os.TempDir() when empty
	Exclude []string // checkout-relative paths that are not copied
}

func (c CopyIsolator) Prepare(ctx context.Context, src, stage string) (string, func(), error) {
	dst, err := os.MkdirTemp(c.TempDir, "verifyci-"+sanitizeName(stage)+"-")
	if err != nil {
		return "", nil, fmt.Errorf("create stage workspace: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dst) }

	if err := copyTree(ctx, src, dst, c.Exclude); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copy checkout for stage %s: %w", stage, err)
	}
	return dst, cleanup, nil
}

// NewIsolator builds the isolator a pipeline asks for
func NewIsolator(p *Pipeline, tempDir string) Isolator {
	if p.Isolation == IsolationShared {
		return SharedIsolator{}
	}
	return CopyIsolator{TempDir: tempDir, Exclude: p.Exclude}
}

// copyTree copies regular files, directories and symlinks, keeping permissions
func copyTree(ctx context.Context, src, dst string, exclude []string) error {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[filepath.Clean(e)] = true
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skip[rel] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		}
		// sockets, devices and pipes are not part of a source tree
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sanitizeName(name string) string {
	b := []byte(name)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			b[i] = '_'
		}
	}
	if len(b) == 0 {
		return "stage"
	}
	return string(b)
}
