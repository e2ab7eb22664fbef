package metrics

import (
	"time"

	"github.com/loykin/procd/internal/store"
)

var allStates = []store.State{
	store.StateStarting, store.StateRunning, store.StateStopping,
	store.StateFinished, store.StateCrashed, store.StateKilled,
}

// Recorder turns supervisor lifecycle notifications into metrics for one
// instance. It satisfies process.Observer.
type Recorder struct {
	Instance string
	Store    *store.Store
}

func (r Recorder) OnStart(store.Record) {
	IncStart(r.Instance)
	r.Refresh()
}

func (r Recorder) OnSpawnError(string, error) {
	IncSpawnError(r.Instance)
	r.Refresh()
}

func (r Recorder) OnStop(_ store.Record, force bool) {
	IncStop(r.Instance, force)
	r.Refresh()
}

func (r Recorder) OnEscalate(store.Record) { IncEscalation(r.Instance) }

func (r Recorder) OnExit(rec store.Record) {
	secs := -1.0
	if rec.EndedAt != nil && !rec.StartedAt.IsZero() {
		secs = rec.EndedAt.Sub(rec.StartedAt).Seconds()
	}
	ObserveExit(r.Instance, rec.State.String(), secs)
	r.Refresh()
}

// Refresh republishes the per-state record gauge from the store.
func (r Recorder) Refresh() {
	if r.Store == nil || !Enabled() {
		return
	}
	counts := r.Store.CountByState()
	for _, s := range allStates {
		SetRecords(r.Instance, s.String(), counts[s])
	}
}

// Since is a small helper for request timing.
func Since(t time.Time) float64 { return time.Since(t).Seconds() }
