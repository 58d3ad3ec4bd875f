// Package stager owns the three staging directories (wait/, run/, buggy/)
// and the atomic moves between them that drive the file-lifecycle state
// machine: a message file is created in wait/, moved to run/ on enqueue, and
// finally either deleted (success) or moved to buggy/ (failure).
package stager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// ErrNotFound is returned when a move or delete target does not exist.
var ErrNotFound = errors.New("stager: not found")

// Stager owns the wait/run/buggy directories.
type Stager struct {
	waitDir  string
	runDir   string
	buggyDir string
}

// New creates a Stager and ensures all three directories exist.
func New(waitDir, runDir, buggyDir string) (*Stager, error) {
	for _, d := range []string{waitDir, runDir, buggyDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("stager: create dir %s: %w", d, err)
		}
	}
	return &Stager{waitDir: waitDir, runDir: runDir, buggyDir: buggyDir}, nil
}

// WaitDir, RunDir, BuggyDir expose the staging directory paths.
func (s *Stager) WaitDir() string  { return s.waitDir }
func (s *Stager) RunDir() string   { return s.runDir }
func (s *Stager) BuggyDir() string { return s.buggyDir }

// ListPending returns up to limit filenames with extension .json from
// wait/, in unspecified order. Dot-prefixed temp files are ignored. Never
// blocks.
func (s *Stager) ListPending(limit int) ([]string, error) {
	entries, err := os.ReadDir(s.waitDir)
	if err != nil {
		return nil, fmt.Errorf("stager: list %s: %w", s.waitDir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if filepath.Ext(name) != ".json" {
			continue
		}
		names = append(names, name)
		if len(names) >= limit {
			break
		}
	}
	return names, nil
}

// MoveToRun moves name from wait/ to run/, returning the new path.
func (s *Stager) MoveToRun(name string) (string, error) {
	return s.move(filepath.Join(s.waitDir, name), filepath.Join(s.runDir, name))
}

// MoveToBuggy moves the file at path (expected to be in run/) to buggy/,
// overwriting any existing file of the same name (last-writer-wins, since
// content is addressed by mail_id in the Ledger, not by filename).
func (s *Stager) MoveToBuggy(path string) (string, error) {
	dest := filepath.Join(s.buggyDir, filepath.Base(path))
	return s.move(path, dest)
}

// MoveRunBackToWait moves name from run/ back to wait/. Used by startup
// recovery to reclaim files left behind by a crash.
func (s *Stager) MoveRunBackToWait(name string) (string, error) {
	return s.move(filepath.Join(s.runDir, name), filepath.Join(s.waitDir, name))
}

// Delete removes the file at path. Idempotent: a missing file is not an
// error.
func (s *Stager) Delete(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stager: delete %s: %w", path, err)
	}
	return nil
}

// move renames src to dst, falling back to copy-then-remove when the two
// paths live on different filesystems (syscall.EXDEV). A failure at any
// point is fatal for this file only; the caller surfaces it and the file is
// left wherever it ended up — recoverable on the next startup sweep if it
// is still under run/.
func (s *Stager) move(src, dst string) (string, error) {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return "", fmt.Errorf("stager: stat %s: %w", src, err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return dst, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return "", fmt.Errorf("stager: move %s to %s: %w", src, dst, err)
	}

	if err := copyThenRemove(src, dst); err != nil {
		return "", fmt.Errorf("stager: move %s to %s: %w", src, dst, err)
	}
	return dst, nil
}

// copyThenRemove is the cross-device fallback for Rename.
func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

// ListRun returns every filename currently in run/, sorted, for the startup
// recovery sweep.
func (s *Stager) ListRun() ([]string, error) {
	entries, err := os.ReadDir(s.runDir)
	if err != nil {
		return nil, fmt.Errorf("stager: list %s: %w", s.runDir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
