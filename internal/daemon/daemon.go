package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procd/internal/config"
	"github.com/loykin/procd/internal/env"
	"github.com/loykin/procd/internal/history"
	"github.com/loykin/procd/internal/history/factory"
	"github.com/loykin/procd/internal/instance"
	"github.com/loykin/procd/internal/logger"
	"github.com/loykin/procd/internal/metrics"
	"github.com/loykin/procd/internal/process"
	"github.com/loykin/procd/internal/server"
	"github.com/loykin/procd/internal/store"
)

// ErrAlreadyRunning is returned by Run when another daemon owns the instance.
var ErrAlreadyRunning = instance.ErrAlreadyRunning

// Daemon is one supervised instance: its store, log manager, supervisor
// and control channel.
type Daemon struct {
	cfg    *config.Config
	layout instance.Layout
	log    *slog.Logger

	store    *store.Store
	logs     *logger.Manager
	sup      *process.Supervisor
	disp     *server.Dispatcher
	recorder *history.Recorder

	mu          sync.Mutex
	stop        context.CancelFunc
	ready       chan struct{}
	metricsAddr string
}

// New wires the components of an instance. Nothing touches the instance
// directory until Run.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	log = log.With("instance", layout.Name)

	instEnv, err := cfg.InstanceEnv()
	if err != nil {
		return nil, fmt.Errorf("instance env: %w", err)
	}
	e := env.New(cfg.UseOSEnv)
	if err := e.SetList(instEnv); err != nil {
		return nil, fmt.Errorf("instance env: %w", err)
	}

	d := &Daemon{cfg: cfg, layout: layout, log: log, ready: make(chan struct{})}
	d.store = store.New()

	logCfg := cfg.Log.Config
	logCfg.Dir = layout.LogDir()
	d.logs = logger.NewManager(logCfg)
	d.logs.OnRotate(func(id string) {
		metrics.IncLogRotation(layout.Name)
		log.Debug("process log rotated", "id", id)
	})

	gauges := metrics.Recorder{Instance: layout.Name, Store: d.store}
	observers := process.Observers{gauges}
	if len(cfg.History.DSNs) > 0 {
		sinks, err := factory.NewSinks(cfg.History.DSNs)
		if err != nil {
			return nil, err
		}
		d.recorder = history.NewRecorder(layout.Name, sinks, history.WithLogger(log))
		observers = append(observers, d.recorder)
	}

	d.sup = process.New(process.Options{
		Store:       d.store,
		Logs:        d.logs,
		Env:         e,
		StopTimeout: cfg.StopTimeout,
		WaitDelay:   cfg.WaitDelay,
		Observer:    observers,
		Logger:      log,
	})
	d.disp = server.NewDispatcher(server.DispatcherOptions{
		Store:        d.store,
		Supervisor:   d.sup,
		Logs:         d.logs,
		Instance:     layout.Name,
		DefaultLines: cfg.Log.DefaultLines,
		OnKill:       d.Stop,
		OnCleanup:    gauges.Refresh,
		Logger:       log,
	})
	return d, nil
}

func (d *Daemon) Layout() instance.Layout { return d.layout }

// Ready is closed once the control socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// MetricsAddr is the bound metrics address, empty when metrics are off.
func (d *Daemon) MetricsAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metricsAddr
}

// Stop asks a running daemon to shut down. It does not wait.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		d.stop()
	}
}

// Run claims the instance, serves the control channel until ctx is
// cancelled or kill_instance arrives, then kills every child and releases
// the instance. Run may be called once.
func (d *Daemon) Run(ctx context.Context) (err error) {
	lease, err := instance.Claim(d.layout)
	if err != nil {
		d.closeHistory()
		return err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	mode, err := d.cfg.FileMode()
	if err != nil {
		return err
	}
	ln, err := server.Listen(d.layout.SocketPath(), d.disp, server.ListenerOptions{
		Mode:           mode,
		ReadTimeout:    d.cfg.RequestTimeout,
		RequestTimeout: d.cfg.RequestTimeout,
		Instance:       d.layout.Name,
		Logger:         d.log,
	})
	if err != nil {
		d.closeHistory()
		return err
	}

	var ms *server.MetricsServer
	if d.cfg.Metrics.Enabled {
		ms, err = d.startMetrics()
		if err != nil {
			_ = ln.Shutdown(0)
			d.closeHistory()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.stop = cancel
	d.mu.Unlock()

	served := make(chan error, 1)
	go func() { served <- ln.Serve() }()
	close(d.ready)
	d.log.Info("daemon started", "socket", ln.Path(), "pid", os.Getpid())

	select {
	case <-runCtx.Done():
	case err = <-served:
		if err != nil {
			d.log.Error("control listener failed", "error", err)
		}
	}
	return errors.Join(err, d.shutdown(ln, ms))
}

func (d *Daemon) startMetrics() (*server.MetricsServer, error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	rc := metrics.NewResourceCollector(d.layout.Name, d.store)
	if err := prometheus.Register(rc); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
	}
	h, err := server.NewHandler(d.cfg.Metrics.Router, d.layout.Name, d.store, metrics.Handler())
	if err != nil {
		return nil, err
	}
	ms, err := server.StartMetricsServer(d.cfg.Metrics.Listen, h)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.metricsAddr = ms.Addr()
	d.mu.Unlock()
	d.log.Info("metrics server listening", "addr", ms.Addr())
	return ms, nil
}

func (d *Daemon) shutdown(ln *server.Listener, ms *server.MetricsServer) error {
	d.log.Info("daemon shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if n, err := d.sup.KillAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("kill processes: %w", err))
	} else if n > 0 {
		d.log.Info("killed remaining processes", "count", n)
	}
	if err := ln.Shutdown(d.cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("close control socket: %w", err))
	}
	if ms != nil {
		if err := ms.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	d.logs.CloseAll()
	if d.recorder != nil {
		if err := d.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	d.log.Info("daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) closeHistory() {
	if d.recorder != nil {
		_ = d.recorder.Close(context.Background())
	}
}
