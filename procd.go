// Package procd embeds a per-instance process supervisor daemon and its
// Unix socket client.
package procd

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/procd/internal/config"
	"github.com/loykin/procd/internal/daemon"
	"github.com/loykin/procd/internal/history"
	"github.com/loykin/procd/internal/history/factory"
	"github.com/loykin/procd/internal/instance"
	"github.com/loykin/procd/internal/metrics"
	"github.com/loykin/procd/pkg/client"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Record = client.Record

type State = client.State

type Client = client.Client

type ClientConfig = client.Config

type StartRequest = client.StartRequest

type HistorySink = history.Sink

type HistoryEvent = history.Event

type InstanceInfo = instance.Info

var ErrAlreadyRunning = daemon.ErrAlreadyRunning

// Daemon is a thin facade over internal/daemon.Daemon.
type Daemon struct{ inner *daemon.Daemon }

// DefaultConfig returns the defaults overlaid with PROCD_ environment.
func DefaultConfig() (*Config, error) { return cfg.Load("") }

// LoadConfig reads a TOML, YAML or JSON config file over the defaults.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// New prepares the daemon for c.Instance. A nil logger uses slog.Default.
func New(c *Config, logger *slog.Logger) (*Daemon, error) {
	d, err := daemon.New(c, logger)
	if err != nil {
		return nil, err
	}
	return &Daemon{inner: d}, nil
}

// Run serves until ctx is done or a client sends kill_instance.
func (d *Daemon) Run(ctx context.Context) error { return d.inner.Run(ctx) }
func (d *Daemon) Ready() <-chan struct{}        { return d.inner.Ready() }
func (d *Daemon) Stop()                         { d.inner.Stop() }
func (d *Daemon) SocketPath() string            { return d.inner.Layout().SocketPath() }
func (d *Daemon) Dir() string                   { return d.inner.Layout().Dir() }
func (d *Daemon) MetricsAddr() string           { return d.inner.MetricsAddr() }

// Client returns a client bound to this daemon's socket.
func (d *Daemon) Client(timeout time.Duration) *Client {
	return client.New(client.Config{Socket: d.SocketPath(), Timeout: timeout})
}

func NewClient(c ClientConfig) *Client { return client.New(c) }

// Connect returns a client for the named instance under baseDir.
func Connect(baseDir, name string, timeout time.Duration) (*Client, error) {
	return client.ForInstance(baseDir, name, timeout)
}

// ListInstances reports the instance directories under baseDir.
func ListInstances(baseDir string) ([]InstanceInfo, error) { return instance.List(baseDir) }

// NewHistorySink builds a history sink from a DSN such as
// sqlite:///var/lib/procd/history.db or postgres://user@host/db.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
