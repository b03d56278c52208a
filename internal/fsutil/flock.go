package fsutil

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Flock is an exclusive advisory lock on a well-known file. Session
// processes spawned by sshd share no memory, so every registry mutation
// (and its dependent authorized_keys regeneration) happens under this lock.
type Flock struct {
	path string
	f    *os.File
}

var ErrLockTimeout = errors.New("lock acquisition timed out")

func NewFlock(path string) *Flock {
	return &Flock{path: path}
}

// Acquire takes the exclusive lock, polling until timeout. Administrative
// mutations are rare and short, so a coarse poll is fine here.
func (l *Flock) Acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.f = f
			return nil
		}
		if err != unix.EWOULDBLOCK {
			_ = f.Close()
			return fmt.Errorf("flock %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return fmt.Errorf("%w: %s held by another session", ErrLockTimeout, l.path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (l *Flock) Release() {
	if l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
