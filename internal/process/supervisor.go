package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/procd/internal/env"
	"github.com/loykin/procd/internal/logger"
	"github.com/loykin/procd/internal/store"
)

const (
	DefaultStopTimeout = 5 * time.Second
	DefaultWaitDelay   = 2 * time.Second
)

var (
	// ErrSpawn wraps every reason a start request could not produce a running child.
	ErrSpawn        = errors.New("spawn failed")
	ErrNotFound     = store.ErrNotFound
	ErrInvalidState = store.ErrInvalidState
)

// Options configures a Supervisor. Store and Logs are required.
type Options struct {
	Store       *store.Store
	Logs        *logger.Manager
	Env         *env.Env
	StopTimeout time.Duration // SIGTERM to SIGKILL escalation
	WaitDelay   time.Duration // bound on output draining after exit
	Observer    Observer
	Logger      *slog.Logger
}

// child is the runtime handle of one spawned process.
type child struct {
	id    string
	cmd   *exec.Cmd
	log   *logger.Handle
	timer *time.Timer
	done  chan struct{}
}

func (c *child) pid() int { return c.cmd.Process.Pid }

// Supervisor spawns children in their own process group, reaps each on a
// dedicated goroutine and drives terminations. Record state lives in the
// Store; the supervisor only keeps runtime handles.
type Supervisor struct {
	store       *store.Store
	logs        *logger.Manager
	env         *env.Env
	stopTimeout time.Duration
	waitDelay   time.Duration
	obs         Observer
	log         *slog.Logger

	mu       sync.Mutex // guards children; lock order is mu then the store lock
	children map[string]*child
	wg       sync.WaitGroup
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		store:       opts.Store,
		logs:        opts.Logs,
		env:         opts.Env,
		stopTimeout: opts.StopTimeout,
		waitDelay:   opts.WaitDelay,
		obs:         opts.Observer,
		log:         opts.Logger,
		children:    make(map[string]*child),
	}
	if s.env == nil {
		s.env = env.New(true)
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}
	if s.waitDelay <= 0 {
		s.waitDelay = DefaultWaitDelay
	}
	if s.obs == nil {
		s.obs = Observers(nil)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// StopTimeout reports the escalation delay in effect.
func (s *Supervisor) StopTimeout() time.Duration { return s.stopTimeout }

func spawnErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSpawn, fmt.Sprintf(format, args...))
}

// Spawn validates spec, reserves its id and starts the child. On success the
// returned record is RUNNING. Every failure wraps ErrSpawn.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if spec.ID == "" {
		spec.ID = s.store.NextID()
	}
	cmd, err := spec.BuildCommand()
	if err != nil {
		s.obs.OnSpawnError(spec.ID, err)
		return store.Record{}, spawnErr("%s: %v", spec.ID, err)
	}
	if cmd.Err != nil {
		s.obs.OnSpawnError(spec.ID, cmd.Err)
		return store.Record{}, fmt.Errorf("%w: executable not found: %w", ErrSpawn, cmd.Err)
	}
	if spec.WorkDir != "" {
		fi, err := os.Stat(spec.WorkDir)
		if err != nil {
			s.obs.OnSpawnError(spec.ID, err)
			return store.Record{}, fmt.Errorf("%w: working directory: %w", ErrSpawn, err)
		}
		if !fi.IsDir() {
			err := fmt.Errorf("%s is not a directory", spec.WorkDir)
			s.obs.OnSpawnError(spec.ID, err)
			return store.Record{}, fmt.Errorf("%w: working directory: %w", ErrSpawn, err)
		}
	}
	if err := env.Validate(spec.Env); err != nil {
		s.obs.OnSpawnError(spec.ID, err)
		return store.Record{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	logPath := s.logs.Path(spec.ID)
	_, err = s.store.Reserve(spec.ID, func() store.Record {
		return store.Record{
			Command:   spec.Command,
			Argv:      spec.Argv,
			WorkDir:   spec.WorkDir,
			Env:       spec.Env,
			State:     store.StateStarting,
			StartedAt: time.Now(),
			LogPath:   logPath,
		}
	})
	if err != nil {
		s.obs.OnSpawnError(spec.ID, err)
		return store.Record{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	handle, err := s.logs.Open(spec.ID)
	if err != nil {
		return s.failStart(spec.ID, err)
	}
	cmd.Dir = spec.WorkDir
	cmd.Env = s.env.Merge(append([]string{"PROCD_PROCESS_ID=" + spec.ID}, spec.Env...))
	cmd.Stdout = handle
	cmd.Stderr = handle
	cmd.WaitDelay = s.waitDelay
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = handle.Close()
		return s.failStart(spec.ID, err)
	}

	c := &child{id: spec.ID, cmd: cmd, log: handle, done: make(chan struct{})}
	s.mu.Lock()
	s.children[spec.ID] = c
	rec, err := s.store.Update(spec.ID, func(r *store.Record) error {
		r.State = store.StateRunning
		r.PID = c.pid()
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		// the record was reserved by us; losing it means a store bug, keep reaping anyway
		s.log.Error("record vanished after spawn", "id", spec.ID, "error", err)
	}
	s.wg.Add(1)
	go s.reap(c)

	s.log.Info("process started", "id", spec.ID, "pid", rec.PID, "command", spec.Display())
	s.obs.OnStart(rec)
	return rec, nil
}

func (s *Supervisor) failStart(id string, cause error) (store.Record, error) {
	now := time.Now()
	rec, _ := s.store.Update(id, func(r *store.Record) error {
		r.State = store.StateCrashed
		r.PID = 0
		r.Error = cause.Error()
		r.EndedAt = &now
		return nil
	})
	s.log.Warn("process failed to start", "id", id, "error", cause)
	// A process that never ran reports as a spawn error only, not as an exit.
	s.obs.OnSpawnError(id, cause)
	return rec, fmt.Errorf("%w: %w", ErrSpawn, cause)
}

// reap is the only place where a child's own exit is recorded.
func (s *Supervisor) reap(c *child) {
	defer s.wg.Done()
	waitErr := c.cmd.Wait()
	_ = c.log.Close()

	now := time.Now()
	s.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	if s.children[c.id] == c {
		delete(s.children, c.id)
	}
	rec, err := s.store.Update(c.id, func(r *store.Record) error {
		applyExit(r, c.cmd.ProcessState, waitErr, now)
		return nil
	})
	s.mu.Unlock()
	close(c.done)

	if err != nil {
		s.log.Error("reaped process has no record", "id", c.id, "error", err)
		return
	}
	attrs := []any{"id", rec.ID, "state", rec.State.String()}
	if rec.ExitCode != nil {
		attrs = append(attrs, "exit_code", *rec.ExitCode)
	}
	if rec.Signal != "" {
		attrs = append(attrs, "signal", rec.Signal)
	}
	if rec.Error != "" {
		attrs = append(attrs, "error", rec.Error)
	}
	s.log.Info("process exited", attrs...)
	s.obs.OnExit(rec)
}

// Terminate asks the process group of id to exit. Without force it sends
// SIGTERM and arms a single escalation timer; with force it sends SIGKILL.
// The terminal state is recorded later by the reaper.
func (s *Supervisor) Terminate(id string, force bool) (store.Record, error) {
	s.mu.Lock()
	c, ok := s.children[id]
	if !ok {
		s.mu.Unlock()
		rec, err := s.store.Get(id)
		if err != nil {
			return store.Record{}, err
		}
		return rec, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, rec.State)
	}
	cur, err := s.store.Get(id)
	if err != nil {
		s.mu.Unlock()
		return store.Record{}, err
	}
	if cur.State == store.StateStopping && !force {
		s.mu.Unlock()
		return cur, nil
	}

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := signalGroup(c.pid(), sig); err != nil {
		s.mu.Unlock()
		return cur, fmt.Errorf("signal %s: %w", signalName(sig), err)
	}
	now := time.Now()
	rec, err := s.store.Update(id, func(r *store.Record) error {
		r.State = store.StateStopping
		if r.StopRequestedAt == nil {
			r.StopRequestedAt = &now
		}
		return nil
	})
	if force {
		if c.timer != nil {
			c.timer.Stop()
		}
	} else {
		c.timer = time.AfterFunc(s.stopTimeout, func() { s.escalate(c) })
	}
	s.mu.Unlock()
	if err != nil {
		return store.Record{}, err
	}

	s.log.Info("stop requested", "id", id, "pid", rec.PID, "signal", signalName(sig))
	s.obs.OnStop(rec, force)
	return rec, nil
}

// escalate fires once per graceful stop if the child outlived the deadline.
func (s *Supervisor) escalate(c *child) {
	s.mu.Lock()
	if s.children[c.id] != c {
		s.mu.Unlock()
		return
	}
	if err := signalGroup(c.pid(), syscall.SIGKILL); err != nil {
		s.mu.Unlock()
		s.log.Error("escalation failed", "id", c.id, "error", err)
		return
	}
	rec, err := s.store.Update(c.id, func(r *store.Record) error {
		r.Escalated = true
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return
	}
	s.log.Warn("stop timeout exceeded, sent SIGKILL", "id", c.id, "timeout", s.stopTimeout)
	s.obs.OnEscalate(rec)
}

// KillAll force-terminates every live child and waits for their reapers
// until ctx is done. It returns how many children were signalled.
func (s *Supervisor) KillAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	targets := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	killed := 0
	for _, c := range targets {
		if _, err := s.Terminate(c.id, true); err != nil {
			if !errors.Is(err, ErrInvalidState) && !errors.Is(err, ErrNotFound) {
				s.log.Warn("kill failed", "id", c.id, "error", err)
			}
			continue
		}
		killed++
	}
	for _, c := range targets {
		select {
		case <-c.done:
		case <-ctx.Done():
			return killed, ctx.Err()
		}
	}
	return killed, nil
}

// Done returns a channel closed once the current child for id is reaped, or
// nil when no child is live under that id.
func (s *Supervisor) Done(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.children[id]; ok {
		return c.done
	}
	return nil
}

// Live returns the number of children not yet reaped.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Wait blocks until every reaper goroutine has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }
