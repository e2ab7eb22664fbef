package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/loykin/procd/internal/config"
	"github.com/loykin/procd/internal/daemon"
	"github.com/loykin/procd/internal/instance"
	"github.com/loykin/procd/internal/logger"
	"github.com/loykin/procd/pkg/client"
)

const (
	detachedFlag       = "--detached"
	defaultDaemonReady = 5 * time.Second
)

// Daemon runs the instance daemon. Without --foreground the command
// re-executes itself in a new session and returns once the control socket
// answers.
func (c *command) Daemon(ctx context.Context, f DaemonFlags) error {
	cfg, err := c.config("")
	if err != nil {
		return err
	}
	l, err := cfg.Layout()
	if err != nil {
		return err
	}
	if !f.Foreground && !f.Detached {
		return c.daemonize(ctx, cfg, l, f.Wait)
	}

	logCfg := cfg.DaemonLog
	if f.Detached && logCfg.File == "" {
		logCfg.File = l.DaemonLogPath()
	}
	if logCfg.File == "" && !logCfg.Color {
		logCfg.Color = isatty.IsTerminal(os.Stderr.Fd())
	}
	log, closer, err := logger.NewSlog(logCfg)
	if err != nil {
		return fmt.Errorf("daemon log: %w", err)
	}
	defer func() { _ = closer.Close() }()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Run(ctx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("daemon instance %q is already running", l.Name)
		}
		return err
	}
	return nil
}

type daemonOutput struct {
	Instance string `json:"instance"`
	PID      int    `json:"pid"`
	Socket   string `json:"socket"`
	Dir      string `json:"dir"`
}

// daemonize starts a detached copy of this command and waits until it
// serves the control socket or exits.
func (c *command) daemonize(ctx context.Context, cfg *config.Config, l instance.Layout, wait time.Duration) error {
	if id, alive, _ := instance.Status(l); alive {
		return fmt.Errorf("daemon instance %q is already running (pid %d)", l.Name, id.PID)
	}
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	args := append(append([]string{}, os.Args[1:]...), detachedFlag)

	// #nosec G204
	cmd := exec.Command(executable, args...)
	configureDaemonAttrs(cmd)
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer func() { _ = devNull.Close() }()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devNull, devNull, devNull

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if wait <= 0 {
		wait = defaultDaemonReady
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	cl := client.New(client.Config{Socket: l.SocketPath(), Timeout: cfg.RequestTimeout})
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			return fmt.Errorf("daemon exited during startup (%v), see %s", err, l.DaemonLogPath())
		case <-ctx.Done():
			return fmt.Errorf("daemon pid %d not ready after %s, see %s", cmd.Process.Pid, wait, l.DaemonLogPath())
		case <-tick.C:
			if cl.IsReachable(ctx) {
				printJSON(c.out, daemonOutput{Instance: l.Name, PID: cmd.Process.Pid, Socket: l.SocketPath(), Dir: l.Dir()})
				return nil
			}
		}
	}
}
