//go:build linux || darwin

package instance

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// Lease is held by the daemon that owns an instance for its whole lifetime.
type Lease struct {
	layout Layout
	lock   *os.File
}

// Claim takes ownership of the instance: it creates the directories,
// acquires an exclusive lock, refuses a live daemon with ErrAlreadyRunning,
// clears a stale identity file and socket and writes a fresh identity.
func Claim(l Layout) (*Lease, error) {
	if err := l.Ensure(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(l.LockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			id, _ := ReadIdentity(l.PIDPath())
			return nil, fmt.Errorf("%w: instance %s (pid %d)", ErrAlreadyRunning, l.Name, id.PID)
		}
		return nil, fmt.Errorf("lock instance: %w", err)
	}

	id, alive, err := Status(l)
	switch {
	case err != nil:
		slog.Warn("unreadable identity file, treating as stale", "path", l.PIDPath(), "error", err)
	case alive && id.PID != os.Getpid():
		_ = f.Close()
		return nil, fmt.Errorf("%w: instance %s (pid %d)", ErrAlreadyRunning, l.Name, id.PID)
	case id.PID != 0:
		slog.Info("removing stale identity", "instance", l.Name, "pid", id.PID)
	}
	if err := RemoveStale(l); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := WriteIdentity(l.PIDPath(), Self(l.SocketPath())); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lease{layout: l, lock: f}, nil
}

// Release removes the identity file and socket and drops the lock.
func (s *Lease) Release() error {
	err := RemoveStale(s.layout)
	_ = unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
	if cerr := s.lock.Close(); err == nil {
		err = cerr
	}
	return err
}
