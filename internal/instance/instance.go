// Package instance owns the on-disk layout of a named daemon instance and
// the identity file used to tell a live daemon from a stale one.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/procd/internal/protocol"
)

const (
	DefaultBaseDir = "/tmp/daemon_instances"
	DefaultName    = "default"

	socketFile    = "control.sock"
	pidFile       = "daemon.pid"
	lockFile      = "daemon.lock"
	logDir        = "logs"
	daemonLogFile = "daemon.log"
)

var (
	// ErrInvalidName rejects instance names unusable as a directory name.
	ErrInvalidName = errors.New("invalid instance name")
	// ErrAlreadyRunning is returned when a live daemon owns the instance.
	ErrAlreadyRunning = errors.New("daemon already running")
)

// Layout resolves every path of one instance.
type Layout struct {
	BaseDir string
	Name    string
}

// NewLayout validates name and returns its layout.
func NewLayout(baseDir, name string) (Layout, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	if name == "" {
		name = DefaultName
	}
	if !protocol.IsSafeName(name) {
		return Layout{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return Layout{BaseDir: baseDir, Name: name}, nil
}

func (l Layout) Dir() string           { return filepath.Join(l.BaseDir, l.Name) }
func (l Layout) SocketPath() string    { return filepath.Join(l.Dir(), socketFile) }
func (l Layout) PIDPath() string       { return filepath.Join(l.Dir(), pidFile) }
func (l Layout) LockPath() string      { return filepath.Join(l.Dir(), lockFile) }
func (l Layout) LogDir() string        { return filepath.Join(l.Dir(), logDir) }
func (l Layout) DaemonLogPath() string { return filepath.Join(l.Dir(), daemonLogFile) }

// Ensure creates the instance and log directories.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.LogDir(), 0o750); err != nil {
		return fmt.Errorf("create instance dir: %w", err)
	}
	return nil
}
