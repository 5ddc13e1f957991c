// Package persistence implements the Persistence Boundary: atomic file
// writes and shared/exclusive advisory locking for the state, audit, and
// coordination files under a session-scoped directory layout.
//
// File locking has no counterpart in the reference corpus — none of the
// example repos vendor a dedicated advisory-file-lock library, so this one
// boundary is built on syscall.Flock directly (see DESIGN.md). Everything
// layered on top of it (state store, state machine, audit log) uses the
// pack-grounded stack.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock is a held advisory file lock (flock) over a path. It guards a single
// state/log file so that, per spec.md §5, operations for a given resource
// are serialized by taking the file's lock before any mutation.
type Lock struct {
	file *os.File
}

// LockExclusive acquires an exclusive lock on path, creating the file (and
// its parent directory) if necessary. Exclusive locks guard writers.
func LockExclusive(path string) (*Lock, error) {
	return lock(path, syscall.LOCK_EX)
}

// LockShared acquires a shared lock on path. Shared locks guard readers:
// many readers may hold the lock concurrently, but a writer's exclusive
// lock excludes all of them.
func LockShared(path string) (*Lock, error) {
	return lock(path, syscall.LOCK_SH)
}

func lock(path string, how int) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return &Lock{file: f}, nil
}

// Unlock releases the lock and closes the underlying file descriptor.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// AtomicWrite writes data to path by writing to a sibling temp file,
// fsyncing it, and renaming it over the target. The rename is atomic on a
// POSIX filesystem: any reader either sees the old file in full or the new
// file in full, never a partial write. Callers that need cross-process
// serialization should hold an exclusive Lock on path for the duration of
// this call, per spec.md's "rename must complete while the lock is still
// held" note — AtomicWrite itself does not acquire the lock, so the
// rename-under-lock invariant is the caller's responsibility.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsyncing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file onto %s: %w", path, err)
	}

	return nil
}

// ReadIfExists returns the contents of path, or nil with no error if path
// does not exist yet (a fresh session/coordination store).
func ReadIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// AppendLine appends a single newline-terminated line to path under an
// exclusive lock, used by the audit log's append-only writer.
func AppendLine(path string, line []byte) error {
	lk, err := LockExclusive(path)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s for append: %w", path, err)
	}
	defer f.Close()

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	_, err = f.Write(line)
	return err
}
