package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for supervised process logs.
const (
	DefaultMaxSizeMB    = 10 // MB
	DefaultMaxBackups   = 5  // rotated files kept per process
	DefaultPollInterval = 250 * time.Millisecond

	megabyte = 1024 * 1024
)

// Config describes where process logs live and how they rotate.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir          string        `mapstructure:"dir"`
	MaxSizeMB    int           `mapstructure:"max_size_mb"`
	MaxBackups   int           `mapstructure:"max_backups"`
	MaxAgeDays   int           `mapstructure:"max_age_days"`
	Compress     bool          `mapstructure:"compress"`
	PollInterval time.Duration `mapstructure:"follow_poll_interval"`
}

func (c Config) maxBytes() int64 {
	return int64(valOr(c.MaxSizeMB, DefaultMaxSizeMB)) * megabyte
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

// RotateFunc is called after a handle rotated its file.
type RotateFunc func(id string)

// Manager owns one rotating log file per process id.
//
// Each lumberjack writer starts a background goroutine on its first write
// that outlives Close, so writers are kept per id and reused by every
// later handle for that id. A daemon therefore holds one such goroutine
// per distinct id it has ever logged, not per spawn.
type Manager struct {
	cfg      Config
	onRotate RotateFunc

	mu      sync.Mutex
	handles map[string]*Handle
	writers map[string]*lj.Logger
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, handles: make(map[string]*Handle), writers: make(map[string]*lj.Logger)}
}

// OnRotate registers a callback fired after every rotation.
func (m *Manager) OnRotate(fn RotateFunc) { m.onRotate = fn }

func (m *Manager) Dir() string { return m.cfg.Dir }

// Path returns the current log file for id.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.cfg.Dir, id+".log")
}

// Open creates or appends to the log file for id. A previous handle for the
// same id is closed first.
func (m *Manager) Open(id string) (*Handle, error) {
	if err := os.MkdirAll(m.cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := m.Path(id)
	m.mu.Lock()
	prev := m.handles[id]
	w, ok := m.writers[id]
	if !ok {
		w = &lj.Logger{
			Filename:   path,
			MaxSize:    valOr(m.cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(m.cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     m.cfg.MaxAgeDays,
			Compress:   m.cfg.Compress,
			LocalTime:  true,
		}
		m.writers[id] = w
	}
	m.mu.Unlock()
	// The writer is shared, so the old handle stops writing before the
	// file size is sampled for the new one.
	if prev != nil {
		_ = prev.Close()
	}

	var size int64
	existed := false
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
		existed = true
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	h := &Handle{
		id:      id,
		mgr:     m,
		max:     m.cfg.maxBytes(),
		size:    size,
		existed: existed,
		w:       w,
	}
	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()
	return h, nil
}

// CloseAll closes every open handle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		_ = h.Close()
	}
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	if m.handles[h.id] == h {
		delete(m.handles, h.id)
	}
	m.mu.Unlock()
}

// Handle is the append side of one process log. It is safe for concurrent
// use; writes are never reordered across a rotation.
type Handle struct {
	id  string
	mgr *Manager
	max int64

	mu        sync.Mutex
	w         *lj.Logger
	size      int64
	existed   bool
	opened    bool
	rotations int
	closed    bool
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Path() string { return h.w.Filename }

// Rotations returns how many times the file was rotated through this handle.
func (h *Handle) Rotations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rotations
}

// Write appends p. Chunks larger than the rotation threshold are split so
// that a single write can never be rejected by the rotating writer.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, os.ErrClosed
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if int64(len(chunk)) > h.max {
			chunk = p[:h.max]
		}
		rotated := h.willRotate(int64(len(chunk)))
		n, err := h.w.Write(chunk)
		written += n
		if rotated {
			h.size = 0
			h.rotations++
			if fn := h.mgr.onRotate; fn != nil {
				fn(h.id)
			}
		}
		h.size += int64(n)
		h.opened = true
		if err != nil {
			return written, fmt.Errorf("write log %s: %w", h.id, err)
		}
		p = p[n:]
	}
	return written, nil
}

// willRotate mirrors lumberjack's decision for the next write of n bytes.
func (h *Handle) willRotate(n int64) bool {
	if !h.opened {
		return h.existed && h.size+n >= h.max
	}
	return h.size+n > h.max
}

func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	err := h.w.Close()
	h.mu.Unlock()
	h.mgr.release(h)
	return err
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
