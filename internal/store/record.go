package store

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a supervised process.
//
// State machine:
// Starting -> Running -> {Finished, Crashed, Killed}
// Running -> Stopping -> {Finished, Crashed, Killed}
// Starting -> Crashed (spawn failed)
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateFinished
	StateCrashed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateFinished:
		return "FINISHED"
	case StateCrashed:
		return "CRASHED"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCrashed || s == StateKilled
}

// Alive reports whether the record owns a live pid.
func (s State) Alive() bool {
	return s == StateRunning || s == StateStopping
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "STARTING":
		return StateStarting, nil
	case "RUNNING":
		return StateRunning, nil
	case "STOPPING":
		return StateStopping, nil
	case "FINISHED":
		return StateFinished, nil
	case "CRASHED":
		return StateCrashed, nil
	case "KILLED":
		return StateKilled, nil
	}
	return 0, fmt.Errorf("unknown process state %q", s)
}

// Record is the daemon's tracked state for one supervised process.
// PID is non-zero iff State is Running or Stopping.
// ExitCode is only set once State is terminal.
type Record struct {
	ID              string     `json:"id"`
	Command         string     `json:"command,omitempty"`
	Argv            []string   `json:"argv,omitempty"`
	WorkDir         string     `json:"working_directory,omitempty"`
	Env             []string   `json:"env,omitempty"`
	PID             int        `json:"pid,omitempty"`
	State           State      `json:"state"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Signal          string     `json:"signal,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	StopRequestedAt *time.Time `json:"stop_requested_at,omitempty"`
	Escalated       bool       `json:"escalated,omitempty"`
	LogPath         string     `json:"log_path,omitempty"`

	seq uint64 // insertion order, breaks StartedAt ties in List
}

// Clone returns a deep copy so callers never share slices or pointers with the store.
func (r Record) Clone() Record {
	c := r
	if r.Argv != nil {
		c.Argv = append([]string(nil), r.Argv...)
	}
	if r.Env != nil {
		c.Env = append([]string(nil), r.Env...)
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		c.ExitCode = &v
	}
	if r.EndedAt != nil {
		v := *r.EndedAt
		c.EndedAt = &v
	}
	if r.StopRequestedAt != nil {
		v := *r.StopRequestedAt
		c.StopRequestedAt = &v
	}
	return c
}

// Terminate moves the record into a terminal state and releases the pid.
func (r *Record) Terminate(state State, exitCode int, at time.Time) {
	r.State = state
	r.PID = 0
	code := exitCode
	r.ExitCode = &code
	t := at
	r.EndedAt = &t
}
