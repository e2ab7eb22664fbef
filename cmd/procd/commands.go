package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/loykin/procd/internal/config"
	"github.com/loykin/procd/internal/instance"
	"github.com/loykin/procd/pkg/client"
)

const defaultKillWait = 2 * time.Second

type command struct {
	global *GlobalFlags
	out    io.Writer
}

// config resolves the effective configuration: defaults, then the config
// file, then PROCD_ environment, then command line flags. A non-empty name
// replaces the instance.
func (c *command) config(name string) (*config.Config, error) {
	v := config.New()
	if c.global.ConfigPath != "" {
		if err := config.ReadFile(v, c.global.ConfigPath); err != nil {
			return nil, err
		}
	}
	if c.global.BaseDir != "" {
		v.Set("base_dir", c.global.BaseDir)
	}
	if c.global.Instance != "" {
		v.Set("instance", c.global.Instance)
	}
	if name != "" {
		v.Set("instance", name)
	}
	return config.Decode(v)
}

func (c *command) clientFor(cfg *config.Config) (*client.Client, instance.Layout, error) {
	l, err := cfg.Layout()
	if err != nil {
		return nil, instance.Layout{}, err
	}
	timeout := cfg.RequestTimeout
	if c.global.Timeout > 0 {
		timeout = c.global.Timeout
	}
	return client.New(client.Config{Socket: l.SocketPath(), Timeout: timeout}), l, nil
}

func (c *command) connect() (*client.Client, instance.Layout, error) {
	cfg, err := c.config("")
	if err != nil {
		return nil, instance.Layout{}, err
	}
	return c.clientFor(cfg)
}

// notRunning rewrites a channel error into a hint for the user.
func notRunning(l instance.Layout, err error) error {
	if client.IsChannelError(err) {
		return fmt.Errorf("daemon instance %q is not running (start it with: procd --instance %s daemon): %w", l.Name, l.Name, err)
	}
	return err
}

func (c *command) Start(ctx context.Context, f StartFlags) error {
	req := client.StartRequest{ID: f.ID, WorkDir: f.WorkDir, Env: f.EnvKVs}
	switch len(f.Args) {
	case 0:
		return errors.New("command is required")
	case 1:
		req.Command = f.Args[0]
	default:
		req.Argv = f.Args
	}
	cl, l, err := c.connect()
	if err != nil {
		return err
	}
	res, err := cl.Start(ctx, req)
	if err != nil {
		return notRunning(l, err)
	}
	printJSON(c.out, res)
	return nil
}

func (c *command) Stop(ctx context.Context, f StopFlags) error {
	cl, l, err := c.connect()
	if err != nil {
		return err
	}
	res, err := cl.Stop(ctx, f.ID, f.Force)
	if err != nil {
		return notRunning(l, err)
	}
	printJSON(c.out, res)
	return nil
}

func (c *command) Status(ctx context.Context, f StatusFlags) error {
	cl, l, err := c.connect()
	if err != nil {
		return err
	}
	recs, err := cl.Status(ctx, f.ID)
	if err != nil {
		return notRunning(l, err)
	}
	if recs == nil {
		recs = []client.Record{}
	}
	printJSON(c.out, recs)
	return nil
}

// Log prints the last lines of a process log. With Follow it keeps
// printing new lines until ctx is cancelled.
func (c *command) Log(ctx context.Context, f LogFlags) error {
	cl, l, err := c.connect()
	if err != nil {
		return err
	}
	if !f.Follow {
		lines, err := cl.Log(ctx, f.ID, f.Lines)
		if err != nil {
			return notRunning(l, err)
		}
		for _, line := range lines {
			_, _ = fmt.Fprintln(c.out, line)
		}
		return nil
	}
	err = cl.Follow(ctx, f.ID, f.Lines, func(line string) error {
		_, err := fmt.Fprintln(c.out, line)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return notRunning(l, err)
}

func (c *command) Cleanup(ctx context.Context) error {
	cl, l, err := c.connect()
	if err != nil {
		return err
	}
	res, err := cl.Cleanup(ctx)
	if err != nil {
		return notRunning(l, err)
	}
	printJSON(c.out, res)
	return nil
}

func (c *command) Ping(ctx context.Context) error {
	cl, l, err := c.connect()
	if err != nil {
		return err
	}
	res, err := cl.Ping(ctx)
	if err != nil {
		return notRunning(l, err)
	}
	printJSON(c.out, res)
	return nil
}

type killOutput struct {
	Instance string `json:"instance"`
	Killed   int    `json:"killed"`
	// Signal is set when the daemon was signalled directly.
	Signal string `json:"signal,omitempty"`
}

// KillInstance asks the daemon to kill its processes and exit. When the
// control channel is unreachable but the identity file names a live
// daemon, the daemon is sent SIGTERM and then SIGKILL after f.Wait.
func (c *command) KillInstance(ctx context.Context, f KillInstanceFlags) error {
	cfg, err := c.config(f.Name)
	if err != nil {
		return err
	}
	cl, l, err := c.clientFor(cfg)
	if err != nil {
		return err
	}
	n, err := cl.KillInstance(ctx)
	if err == nil {
		printJSON(c.out, killOutput{Instance: l.Name, Killed: n})
		return nil
	}
	if !client.IsChannelError(err) {
		return err
	}
	id, alive, serr := instance.Status(l)
	if serr != nil {
		return fmt.Errorf("read identity: %w", serr)
	}
	if !alive {
		return fmt.Errorf("daemon instance %q is not running", l.Name)
	}
	wait := f.Wait
	if wait <= 0 {
		wait = defaultKillWait
	}
	sig, err := signalDaemon(ctx, id, wait)
	if err != nil {
		return err
	}
	if err := instance.RemoveStale(l); err != nil {
		return err
	}
	printJSON(c.out, killOutput{Instance: l.Name, Signal: sig})
	return nil
}

// signalDaemon terminates the daemon described by id and returns the name
// of the last signal sent.
func signalDaemon(ctx context.Context, id instance.Identity, wait time.Duration) (string, error) {
	if err := syscall.Kill(id.PID, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return "SIGTERM", nil
		}
		return "", fmt.Errorf("signal daemon %d: %w", id.PID, err)
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return "SIGTERM", ctx.Err()
		case <-tick.C:
			if !id.Alive() {
				return "SIGTERM", nil
			}
		case <-deadline.C:
			if err := syscall.Kill(id.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				return "", fmt.Errorf("kill daemon %d: %w", id.PID, err)
			}
			return "SIGKILL", nil
		}
	}
}

type instanceStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	PID       int    `json:"pid,omitempty"`
	Processes *int   `json:"processes,omitempty"`
	Dir       string `json:"dir"`
}

// ListInstances reports every instance directory under the base dir with
// its process count when the daemon answers.
func (c *command) ListInstances(ctx context.Context) error {
	cfg, err := c.config("")
	if err != nil {
		return err
	}
	infos, err := instance.List(cfg.BaseDir)
	if err != nil {
		return err
	}
	out := make([]instanceStatus, 0, len(infos))
	for _, info := range infos {
		st := instanceStatus{Name: info.Name, Status: "STOPPED", Dir: instance.Layout{BaseDir: cfg.BaseDir, Name: info.Name}.Dir()}
		if info.Running {
			st.Status = "RUNNING"
			st.PID = info.PID
			cl := client.New(client.Config{Socket: info.Socket, Timeout: cfg.RequestTimeout})
			if recs, err := cl.Status(ctx, ""); err == nil {
				n := len(recs)
				st.Processes = &n
			}
		}
		out = append(out, st)
	}
	printJSON(c.out, out)
	return nil
}

func printJSON(w io.Writer, v any) {
	if w == nil {
		w = os.Stdout
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
