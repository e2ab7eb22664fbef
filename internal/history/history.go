package history

import (
	"context"
	"strings"
	"time"

	"github.com/loykin/procd/internal/store"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventSpawnError EventType = "spawn_error"
	EventStop       EventType = "stop"
	EventEscalate   EventType = "escalate"
	EventExit       EventType = "exit"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Instance   string       `json:"instance"`
	Record     store.Record `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Row flattens an event into the columns shared by the SQL sinks.
type Row struct {
	OccurredAt time.Time
	Instance   string
	Event      string
	ID         string
	Command    string
	State      string
	PID        int
	ExitCode   *int
	Signal     *string
	Error      *string
	StartedAt  time.Time
	EndedAt    *time.Time
}

func (e Event) Row() Row {
	r := e.Record
	row := Row{
		OccurredAt: e.OccurredAt.UTC(),
		Instance:   e.Instance,
		Event:      string(e.Type),
		ID:         r.ID,
		Command:    commandLine(r),
		State:      r.State.String(),
		PID:        r.PID,
		ExitCode:   r.ExitCode,
		StartedAt:  r.StartedAt.UTC(),
	}
	if r.Signal != "" {
		s := r.Signal
		row.Signal = &s
	}
	if r.Error != "" {
		s := r.Error
		row.Error = &s
	}
	if r.EndedAt != nil {
		t := r.EndedAt.UTC()
		row.EndedAt = &t
	}
	return row
}

func commandLine(r store.Record) string {
	if r.Command != "" {
		return r.Command
	}
	return strings.Join(r.Argv, " ")
}
