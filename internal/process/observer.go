package process

import "github.com/loykin/procd/internal/store"

// Observer receives lifecycle notifications. Calls happen outside the
// supervisor's locks and must not block for long.
type Observer interface {
	OnStart(rec store.Record)
	OnSpawnError(id string, err error)
	OnStop(rec store.Record, force bool)
	OnEscalate(rec store.Record)
	OnExit(rec store.Record)
}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (o Observers) OnStart(rec store.Record) {
	for _, x := range o {
		x.OnStart(rec)
	}
}

func (o Observers) OnSpawnError(id string, err error) {
	for _, x := range o {
		x.OnSpawnError(id, err)
	}
}

func (o Observers) OnStop(rec store.Record, force bool) {
	for _, x := range o {
		x.OnStop(rec, force)
	}
}

func (o Observers) OnEscalate(rec store.Record) {
	for _, x := range o {
		x.OnEscalate(rec)
	}
}

func (o Observers) OnExit(rec store.Record) {
	for _, x := range o {
		x.OnExit(rec)
	}
}
