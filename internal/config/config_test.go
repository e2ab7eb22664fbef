package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procd/internal/instance"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, instance.DefaultBaseDir, c.BaseDir)
	assert.Equal(t, instance.DefaultName, c.Instance)
	assert.Equal(t, 5*time.Second, c.StopTimeout)
	assert.Equal(t, 10*time.Second, c.ShutdownTimeout)
	assert.Equal(t, 2*time.Second, c.WaitDelay)
	assert.Equal(t, 10*time.Second, c.RequestTimeout)
	assert.True(t, c.UseOSEnv)
	assert.Equal(t, 10, c.Log.MaxSizeMB)
	assert.Equal(t, 5, c.Log.MaxBackups)
	assert.Equal(t, 250*time.Millisecond, c.Log.PollInterval)
	assert.Equal(t, 50, c.Log.DefaultLines)
	assert.Equal(t, "info", c.DaemonLog.Level)
	assert.Equal(t, "text", c.DaemonLog.Format)
	assert.False(t, c.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9464", c.Metrics.Listen)
	assert.Equal(t, "gin", c.Metrics.Router)
	assert.Empty(t, c.History.DSNs)

	mode, err := c.FileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), mode)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.toml")
	data := `
base_dir = "/var/run/procd"
instance = "web"
stop_timeout = "1500ms"
socket_mode = "0660"
env = ["A=1", "B=two words"]

[log]
max_size_mb = 1
max_backups = 2
follow_poll_interval = "100ms"
default_lines = 20

[daemon_log]
level = "debug"
format = "json"

[metrics]
enabled = true
listen = "127.0.0.1:0"
router = "echo"

[history]
dsns = ["sqlite:///tmp/h.db"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/run/procd", c.BaseDir)
	assert.Equal(t, "web", c.Instance)
	assert.Equal(t, 1500*time.Millisecond, c.StopTimeout)
	assert.Equal(t, []string{"A=1", "B=two words"}, c.Env)
	assert.Equal(t, 1, c.Log.MaxSizeMB)
	assert.Equal(t, 2, c.Log.MaxBackups)
	assert.Equal(t, 100*time.Millisecond, c.Log.PollInterval)
	assert.Equal(t, 20, c.Log.DefaultLines)
	assert.Equal(t, "json", c.DaemonLog.Format)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, "echo", c.Metrics.Router)
	assert.Equal(t, []string{"sqlite:///tmp/h.db"}, c.History.DSNs)

	mode, err := c.FileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), mode)

	l, err := c.Layout()
	require.NoError(t, err)
	assert.Equal(t, "/var/run/procd/web/control.sock", l.SocketPath())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.yaml")
	data := "instance: api\nstop_timeout: 2s\nlog:\n  compress: true\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "api", c.Instance)
	assert.Equal(t, 2*time.Second, c.StopTimeout)
	assert.True(t, c.Log.Compress)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROCD_INSTANCE", "from-env")
	t.Setenv("PROCD_STOP_TIMEOUT", "7s")
	t.Setenv("PROCD_LOG_MAX_BACKUPS", "9")
	t.Setenv("PROCD_METRICS_ENABLED", "true")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Instance)
	assert.Equal(t, 7*time.Second, c.StopTimeout)
	assert.Equal(t, 9, c.Log.MaxBackups)
	assert.True(t, c.Metrics.Enabled)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`instance = "file"`), 0o600))
	t.Setenv("PROCD_INSTANCE", "env")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env", c.Instance)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad instance":   `instance = "../x"`,
		"zero timeout":   `stop_timeout = "0s"`,
		"bad mode":       `socket_mode = "rw"`,
		"mode too large": `socket_mode = "7777"`,
		"bad level":      "[daemon_log]\nlevel = \"loud\"",
		"bad format":     "[daemon_log]\nformat = \"xml\"",
		"zero lines":     "[log]\ndefault_lines = 0",
		"bad router":     "[metrics]\nrouter = \"chi\"",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.toml")
			require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestInstanceEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("# comment\nA=1\nexport B=\"two\"\n\nbad line\n"), 0o600))

	c := &Config{EnvFiles: []string{dotenv}, Env: []string{"A=override"}}
	got, err := c.InstanceEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two", "A=override"}, got)

	c.EnvFiles = []string{filepath.Join(dir, "missing")}
	_, err = c.InstanceEnv()
	assert.Error(t, err)
}
