//go:build !windows

package tasker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FileLock is a non-blocking cross-process lock held with flock(2). The
// holder's pid is written into the file for operators.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock for path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock reports whether the lock was acquired. false with a nil error
// means another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if l.file != nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, err
	}
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	l.file = f
	return true, nil
}

// Unlock releases the lock. The file is left in place; removing it would
// let a waiter lock an unlinked inode.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	return err
}
