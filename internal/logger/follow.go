package logger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EmitFunc receives one complete line without its trailing newline.
type EmitFunc func(line string) error

// follower tracks one reader position across rotations of a log file.
type follower struct {
	path    string
	f       *os.File
	fi      os.FileInfo
	pos     int64
	pending []byte
	emit    EmitFunc
}

// Follow emits every complete line appended to id's log after offset. It
// never returns on its own: only ctx cancellation or an emit error end it.
// A rotation is detected by a change of file identity; the old file is
// drained before reading resumes at the start of the new one.
func (m *Manager) Follow(ctx context.Context, id string, offset int64, emit EmitFunc) error {
	fl := &follower{path: m.Path(id), pos: offset, emit: emit}
	defer fl.close()

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(filepath.Dir(fl.path)); err != nil {
			slog.Debug("follow: watch failed, polling only", "path", fl.path, "error", err)
		}
		defer func() { _ = watcher.Close() }()
		events = watcher.Events
	} else {
		slog.Debug("follow: fsnotify unavailable, polling only", "error", err)
	}

	ticker := time.NewTicker(m.cfg.pollInterval())
	defer ticker.Stop()

	base := filepath.Base(fl.path)
	for {
		if err := fl.step(); err != nil {
			return err
		}
	wait:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				break wait
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if filepath.Base(ev.Name) == base {
					break wait
				}
			}
		}
	}
}

// step reads whatever is available and handles rotation or truncation.
func (fl *follower) step() error {
	if fl.f == nil {
		f, err := os.Open(fl.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("open log: %w", err)
		}
		fi, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("stat log: %w", err)
		}
		if fi.Size() < fl.pos {
			fl.pos = 0
		}
		fl.f, fl.fi = f, fi
	}
	if err := fl.drain(); err != nil {
		return err
	}

	cur, err := os.Stat(fl.path)
	switch {
	case err != nil && os.IsNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("stat log: %w", err)
	case !os.SameFile(fl.fi, cur):
		// rotated: the old file no longer grows
		if err := fl.drain(); err != nil {
			return err
		}
		if err := fl.flushPartial(); err != nil {
			return err
		}
		_ = fl.f.Close()
		fl.f, fl.fi, fl.pos = nil, nil, 0
		return fl.step()
	case cur.Size() < fl.pos:
		fl.pos = 0
		fl.pending = fl.pending[:0]
	}
	return nil
}

func (fl *follower) drain() error {
	buf := make([]byte, 32*1024)
	for {
		n, err := fl.f.ReadAt(buf, fl.pos)
		if n > 0 {
			fl.pos += int64(n)
			fl.pending = append(fl.pending, buf[:n]...)
			if err := fl.emitLines(); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read log: %w", err)
		}
	}
}

func (fl *follower) emitLines() error {
	for {
		i := bytes.IndexByte(fl.pending, '\n')
		if i < 0 {
			return nil
		}
		line := string(bytes.TrimSuffix(fl.pending[:i], []byte{'\r'}))
		fl.pending = fl.pending[i+1:]
		if err := fl.emit(line); err != nil {
			return err
		}
	}
}

func (fl *follower) flushPartial() error {
	if len(fl.pending) == 0 {
		return nil
	}
	line := string(fl.pending)
	fl.pending = fl.pending[:0]
	return fl.emit(line)
}

func (fl *follower) close() {
	if fl.f != nil {
		_ = fl.f.Close()
	}
}
