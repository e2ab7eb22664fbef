package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process spawns.",
		}, []string{"instance"},
	)
	spawnErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "spawn_errors_total",
			Help:      "Number of start requests that did not produce a running process.",
		}, []string{"instance"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stop requests delivered, by mode (graceful or force).",
		}, []string{"instance", "mode"},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "escalations_total",
			Help:      "Number of graceful stops that escalated to SIGKILL.",
		}, []string{"instance"},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of processes that reached a terminal state, by state.",
		}, []string{"instance", "state"},
	)
	processRuntime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "runtime_seconds",
			Help:      "Wall time between start and terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"instance", "state"},
	)
	records = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "records",
			Help:      "Process records currently held, by state.",
		}, []string{"instance", "state"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control channel requests by command and result (ok or error kind).",
		}, []string{"instance", "command", "result"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "request_duration_seconds",
			Help:      "Time to dispatch a control request, excluding follow streaming.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"instance", "command"},
	)
	followStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "follow_streams",
			Help:      "Open log follow streams.",
		}, []string{"instance"},
	)
	logRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "rotations_total",
			Help:      "Number of process log rotations.",
		}, []string{"instance"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, spawnErrors, processStops, escalations, processExits, processRuntime,
		records, requests, requestDuration, followStreams, logRotations,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Enabled reports whether Register succeeded.
func Enabled() bool { return regOK.Load() }

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(instance string) {
	if regOK.Load() {
		processStarts.WithLabelValues(instance).Inc()
	}
}

func IncSpawnError(instance string) {
	if regOK.Load() {
		spawnErrors.WithLabelValues(instance).Inc()
	}
}

func IncStop(instance string, force bool) {
	if regOK.Load() {
		mode := "graceful"
		if force {
			mode = "force"
		}
		processStops.WithLabelValues(instance, mode).Inc()
	}
}

func IncEscalation(instance string) {
	if regOK.Load() {
		escalations.WithLabelValues(instance).Inc()
	}
}

func ObserveExit(instance, state string, seconds float64) {
	if regOK.Load() {
		processExits.WithLabelValues(instance, state).Inc()
		if seconds >= 0 {
			processRuntime.WithLabelValues(instance, state).Observe(seconds)
		}
	}
}

func SetRecords(instance, state string, n int) {
	if regOK.Load() {
		records.WithLabelValues(instance, state).Set(float64(n))
	}
}

func ObserveRequest(instance, command, result string, seconds float64) {
	if regOK.Load() {
		requests.WithLabelValues(instance, command, result).Inc()
		requestDuration.WithLabelValues(instance, command).Observe(seconds)
	}
}

func AddFollowStreams(instance string, delta int) {
	if regOK.Load() {
		followStreams.WithLabelValues(instance).Add(float64(delta))
	}
}

func IncLogRotation(instance string) {
	if regOK.Load() {
		logRotations.WithLabelValues(instance).Inc()
	}
}
