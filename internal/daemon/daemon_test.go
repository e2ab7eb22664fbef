//go:build linux || darwin

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procd/internal/config"
	"github.com/loykin/procd/internal/history/sqlite"
	"github.com/loykin/procd/internal/instance"
	"github.com/loykin/procd/pkg/client"
)

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	base, err := os.MkdirTemp("", "procd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(base) })

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.BaseDir = base
	cfg.Instance = name
	cfg.StopTimeout = time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// run starts d and returns a channel with Run's result.
func run(t *testing.T, ctx context.Context, d *Daemon) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func TestRunWritesIdentityAndCleansUp(t *testing.T) {
	cfg := testConfig(t, "ident")
	d, err := New(cfg, quiet())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := run(t, ctx, d)

	l := d.Layout()
	id, alive, err := instance.Status(l)
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), id.PID)
	assert.Equal(t, l.SocketPath(), id.Socket)

	fi, err := os.Stat(l.SocketPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	cancel()
	require.NoError(t, wait(t, done))
	for _, p := range []string{l.SocketPath(), l.PIDPath()} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
}

func TestSecondDaemonIsRefused(t *testing.T) {
	cfg := testConfig(t, "single")
	first, err := New(cfg, quiet())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := run(t, ctx, first)

	second, err := New(cfg, quiet())
	require.NoError(t, err)
	assert.ErrorIs(t, second.Run(context.Background()), ErrAlreadyRunning)

	// the refused daemon must not disturb the running one
	c := client.New(client.Config{Socket: first.Layout().SocketPath()})
	assert.True(t, c.IsReachable(context.Background()))

	cancel()
	require.NoError(t, wait(t, done))
}

func TestShutdownKillsChildren(t *testing.T) {
	cfg := testConfig(t, "kill")
	d, err := New(cfg, quiet())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := run(t, ctx, d)

	c := client.New(client.Config{Socket: d.Layout().SocketPath()})
	res, err := c.Start(context.Background(), client.StartRequest{ID: "orphan", Command: "sleep 100"})
	require.NoError(t, err)
	pid := res.Process.PID
	require.NotZero(t, pid)

	cancel()
	require.NoError(t, wait(t, done))
	assert.False(t, instance.Identity{PID: pid}.Alive(), "child must not outlive the daemon")
}

func TestInstanceEnvReachesChildren(t *testing.T) {
	cfg := testConfig(t, "env")
	cfg.Env = []string{"GREETING=hello", "TARGET=${GREETING} world"}
	d, err := New(cfg, quiet())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := run(t, ctx, d)

	c := client.New(client.Config{Socket: d.Layout().SocketPath()})
	_, err = c.Start(context.Background(), client.StartRequest{ID: "e", Command: `echo "$TARGET $PROCD_PROCESS_ID"`})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		lines, err := c.Log(context.Background(), "e", 0)
		return err == nil && len(lines) == 1 && lines[0] == "hello world e"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, done))
}

func TestMetricsAndHistory(t *testing.T) {
	cfg := testConfig(t, "observed")
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg.History.DSNs = []string{"sqlite://" + dbPath}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Metrics.Router = "echo"

	d, err := New(cfg, quiet())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := run(t, ctx, d)

	c := client.New(client.Config{Socket: d.Layout().SocketPath()})
	_, err = c.Start(context.Background(), client.StartRequest{ID: "h1", Argv: []string{"true"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, err := c.Status(context.Background(), "h1")
		return err == nil && recs[0].State == client.StateFinished
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + d.MetricsAddr() + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, "observed", health["instance"])

	scrape := func() string {
		resp, err := http.Get("http://" + d.MetricsAddr() + "/metrics")
		if err != nil {
			return ""
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return string(body)
	}
	assert.Contains(t, scrape(), `procd_process_starts_total{instance="observed"}`)
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(), `procd_process_records{instance="observed",state="FINISHED"} 1`)
	}, 5*time.Second, 20*time.Millisecond)

	removed, err := c.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed.Removed)
	assert.Contains(t, scrape(), `procd_process_records{instance="observed",state="FINISHED"} 0`)

	cancel()
	require.NoError(t, wait(t, done))

	sink, err := sqlite.New(dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "start and exit events")
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t, "bad")
	cfg.History.DSNs = []string{"bogus://x"}
	_, err := New(cfg, quiet())
	assert.Error(t, err)

	cfg = testConfig(t, "bad")
	cfg.EnvFiles = []string{"/nonexistent/.env"}
	_, err = New(cfg, quiet())
	assert.Error(t, err)
}
