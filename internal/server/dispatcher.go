package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/procd/internal/logger"
	"github.com/loykin/procd/internal/metrics"
	"github.com/loykin/procd/internal/process"
	"github.com/loykin/procd/internal/protocol"
	"github.com/loykin/procd/internal/store"
)

// DefaultLogLines is used when a log request asks for 0 lines.
const DefaultLogLines = 50

// StreamFunc drives a follow stream after the initial response was
// written. It returns when ctx is cancelled or emit fails.
type StreamFunc func(ctx context.Context, emit logger.EmitFunc) error

// DispatcherOptions wires a Dispatcher. Store, Supervisor and Logs are required.
type DispatcherOptions struct {
	Store        *store.Store
	Supervisor   *process.Supervisor
	Logs         *logger.Manager
	Instance     string
	DefaultLines int
	// OnKill is called once kill_instance has terminated every process.
	// It must not block.
	OnKill func()
	// OnCleanup is called after cleanup removed at least one record.
	OnCleanup func()
	Logger    *slog.Logger
}

// Dispatcher executes decoded commands against one instance.
type Dispatcher struct {
	store        *store.Store
	sup          *process.Supervisor
	logs         *logger.Manager
	instance     string
	defaultLines int
	onKill       func()
	onCleanup    func()
	log          *slog.Logger
}

func NewDispatcher(o DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		store:        o.Store,
		sup:          o.Supervisor,
		logs:         o.Logs,
		instance:     o.Instance,
		defaultLines: o.DefaultLines,
		onKill:       o.OnKill,
		onCleanup:    o.OnCleanup,
		log:          o.Logger,
	}
	if d.defaultLines <= 0 {
		d.defaultLines = DefaultLogLines
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Dispatch runs cmd and returns its response. The returned StreamFunc is
// non-nil only for a successful log request with follow set.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Command) (protocol.Response, StreamFunc) {
	began := time.Now()
	resp, stream := d.dispatch(ctx, cmd)
	result := "ok"
	if !resp.OK && resp.Error != nil {
		result = string(resp.Error.Kind)
	}
	metrics.ObserveRequest(d.instance, cmd.Name(), result, metrics.Since(began))
	return resp, stream
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd protocol.Command) (protocol.Response, StreamFunc) {
	switch c := cmd.(type) {
	case protocol.Start:
		return d.start(ctx, c), nil
	case protocol.Stop:
		return d.stop(c), nil
	case protocol.Status:
		return d.status(c), nil
	case protocol.Log:
		return d.tail(c)
	case protocol.Cleanup:
		return d.cleanup(), nil
	case protocol.KillInstance:
		return d.killInstance(ctx), nil
	case protocol.Ping:
		return d.ok(protocol.PingResult{Message: "pong", Instance: d.instance, PID: os.Getpid()}), nil
	default:
		return protocol.Fail(protocol.KindInvalidArgument, "unsupported command "+cmd.Name()), nil
	}
}

func (d *Dispatcher) start(ctx context.Context, c protocol.Start) protocol.Response {
	rec, err := d.sup.Spawn(ctx, process.Spec{
		ID:      c.ID,
		Command: c.Cmd,
		Argv:    c.Argv,
		WorkDir: c.WorkDir,
		Env:     c.Env,
	})
	if err != nil {
		return d.fail(err)
	}
	return d.ok(protocol.ProcessResult{ID: rec.ID, State: rec.State, Process: rec})
}

func (d *Dispatcher) stop(c protocol.Stop) protocol.Response {
	rec, err := d.sup.Terminate(c.ID, c.Force)
	if err != nil {
		return d.fail(err)
	}
	return d.ok(protocol.ProcessResult{ID: rec.ID, State: rec.State, Process: rec})
}

func (d *Dispatcher) status(c protocol.Status) protocol.Response {
	if c.ID == "" {
		return d.ok(protocol.StatusResult{Processes: d.store.List()})
	}
	rec, err := d.store.Get(c.ID)
	if err != nil {
		return d.fail(err)
	}
	return d.ok(protocol.StatusResult{Processes: []store.Record{rec}})
}

func (d *Dispatcher) tail(c protocol.Log) (protocol.Response, StreamFunc) {
	if _, err := d.store.Get(c.ID); err != nil {
		return d.fail(err), nil
	}
	n := c.Lines
	if n == 0 {
		n = d.defaultLines
	}
	lines, offset, err := d.logs.Tail(c.ID, n)
	if err != nil {
		return d.fail(err), nil
	}
	resp := d.ok(protocol.FitLogResult(c.ID, lines, c.Follow))
	if !c.Follow || !resp.OK {
		return resp, nil
	}
	id := c.ID
	return resp, func(ctx context.Context, emit logger.EmitFunc) error {
		metrics.AddFollowStreams(d.instance, 1)
		defer metrics.AddFollowStreams(d.instance, -1)
		return d.logs.Follow(ctx, id, offset, emit)
	}
}

func (d *Dispatcher) cleanup() protocol.Response {
	removed := d.store.RemoveTerminal()
	ids := make([]string, 0, len(removed))
	for _, r := range removed {
		ids = append(ids, r.ID)
	}
	if len(ids) > 0 {
		d.log.Info("cleaned up finished processes", "count", len(ids))
		if d.onCleanup != nil {
			d.onCleanup()
		}
	}
	return d.ok(protocol.CleanupResult{Removed: len(ids), IDs: ids})
}

func (d *Dispatcher) killInstance(ctx context.Context) protocol.Response {
	n, err := d.sup.KillAll(ctx)
	if err != nil {
		d.log.Warn("kill_instance did not reap every process", "killed", n, "error", err)
	}
	d.log.Info("kill_instance received", "killed", n)
	if d.onKill != nil {
		d.onKill()
	}
	return d.ok(protocol.KillResult{Killed: n})
}

func (d *Dispatcher) ok(payload any) protocol.Response {
	resp, err := protocol.OK(payload)
	if err != nil {
		return protocol.Fail(protocol.KindInternal, err.Error())
	}
	return resp
}

func (d *Dispatcher) fail(err error) protocol.Response {
	return protocol.Fail(KindOf(err), err.Error())
}

// KindOf maps an error to its wire kind.
func KindOf(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, process.ErrSpawn):
		return protocol.KindSpawnError
	case errors.Is(err, store.ErrNotFound):
		return protocol.KindNotFound
	case errors.Is(err, store.ErrInvalidState):
		return protocol.KindInvalidState
	case errors.Is(err, protocol.ErrInvalidArgument):
		return protocol.KindInvalidArgument
	default:
		return protocol.KindInternal
	}
}
