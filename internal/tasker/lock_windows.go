//go:build windows

package tasker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileLock is a non-blocking cross-process lock on Windows: the lock file is
// created exclusively and removed on unlock.
type FileLock struct {
	path   string
	locked bool
}

// NewFileLock creates a FileLock for path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock reports whether the lock was acquired.
func (l *FileLock) TryLock() (bool, error) {
	if l.locked {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, err
	}
	l.locked = true
	return true, nil
}

// Unlock releases the lock and removes the lock file.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l.locked = false
	return nil
}
