package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/procd/internal/instance"
	"github.com/loykin/procd/internal/logger"
)

// EnvPrefix is the prefix for environment overrides, e.g. PROCD_STOP_TIMEOUT.
const EnvPrefix = "PROCD"

// Config is the daemon and client configuration.
type Config struct {
	BaseDir         string        `mapstructure:"base_dir"`
	Instance        string        `mapstructure:"instance"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WaitDelay       time.Duration `mapstructure:"wait_delay"`
	SocketMode      string        `mapstructure:"socket_mode"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UseOSEnv        bool          `mapstructure:"use_os_env"`
	Env             []string      `mapstructure:"env"`
	EnvFiles        []string      `mapstructure:"env_files"`

	Log       LogConfig           `mapstructure:"log"`
	DaemonLog logger.DaemonConfig `mapstructure:"daemon_log"`
	Metrics   MetricsConfig       `mapstructure:"metrics"`
	History   HistoryConfig       `mapstructure:"history"`
}

// LogConfig configures supervised process logs.
type LogConfig struct {
	logger.Config `mapstructure:",squash"`
	DefaultLines  int `mapstructure:"default_lines"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Router  string `mapstructure:"router"` // gin or echo
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("base_dir", instance.DefaultBaseDir)
	v.SetDefault("instance", instance.DefaultName)
	v.SetDefault("stop_timeout", "5s")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("wait_delay", "2s")
	v.SetDefault("socket_mode", "0600")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("use_os_env", true)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", 0)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.follow_poll_interval", logger.DefaultPollInterval.String())
	v.SetDefault("log.default_lines", 50)

	v.SetDefault("daemon_log.level", "info")
	v.SetDefault("daemon_log.format", "text")
	v.SetDefault("daemon_log.color", false)
	v.SetDefault("daemon_log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("daemon_log.max_backups", logger.DefaultMaxBackups)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
	v.SetDefault("metrics.router", "gin")
	v.SetDefault("history.dsns", []string{})
}

// New returns a viper instance with defaults and PROCD_ environment
// overrides wired up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads an optional config file (format by extension) on top of the
// defaults and environment.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		if err := ReadFile(v, path); err != nil {
			return nil, err
		}
	}
	return Decode(v)
}

func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(filepath.Clean(path))
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Decode unmarshals v into a validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := instance.NewLayout(c.BaseDir, c.Instance); err != nil {
		errs = append(errs, err)
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, errors.New("stop_timeout must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if c.WaitDelay < 0 {
		errs = append(errs, errors.New("wait_delay must not be negative"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if _, err := c.FileMode(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.MaxSizeMB <= 0 {
		errs = append(errs, errors.New("log.max_size_mb must be positive"))
	}
	if c.Log.MaxBackups < 0 {
		errs = append(errs, errors.New("log.max_backups must not be negative"))
	}
	if c.Log.DefaultLines <= 0 {
		errs = append(errs, errors.New("log.default_lines must be positive"))
	}
	if _, err := logger.ParseLevel(c.DaemonLog.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.DaemonLog.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("daemon_log.format must be text or json, got %q", f))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if r := c.Metrics.Router; r != "gin" && r != "echo" {
		errs = append(errs, fmt.Errorf("metrics.router must be gin or echo, got %q", r))
	}
	return errors.Join(errs...)
}

// FileMode parses socket_mode as an octal permission.
func (c *Config) FileMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(strings.TrimSpace(c.SocketMode), 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("socket_mode %q is not an octal permission", c.SocketMode)
	}
	return os.FileMode(m), nil
}

// Layout returns the instance directory layout.
func (c *Config) Layout() (instance.Layout, error) {
	return instance.NewLayout(c.BaseDir, c.Instance)
}

// InstanceEnv returns the instance-wide environment: env_files in order,
// then the env list.
func (c *Config) InstanceEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, kvs...)
	}
	return append(out, c.Env...), nil
}

// LoadEnvFile parses a simple .env file and returns KEY=VALUE entries in
// file order.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
