package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArgument marks requests rejected at decode time.
var ErrInvalidArgument = errors.New("invalid argument")

// Command tags as they appear in the "command" field.
const (
	NameStart        = "start"
	NameStop         = "stop"
	NameStatus       = "status"
	NameLog          = "log"
	NameCleanup      = "cleanup"
	NameKillInstance = "kill_instance"
	NamePing         = "ping"
)

// Command is the closed set of control commands. Only types in this package
// implement it.
type Command interface {
	Name() string
	isCommand()
}

type Start struct {
	ID      string   // optional, generated when empty
	Cmd     string   // shell string
	Argv    []string // argument vector
	WorkDir string
	Env     []string
}

type Stop struct {
	ID    string
	Force bool
}

// Status with an empty ID lists every process.
type Status struct {
	ID string
}

// Log with Lines == 0 uses the daemon's default line count.
type Log struct {
	ID     string
	Lines  int
	Follow bool
}

type Cleanup struct{}

type KillInstance struct{}

type Ping struct{}

func (Start) Name() string        { return NameStart }
func (Stop) Name() string         { return NameStop }
func (Status) Name() string       { return NameStatus }
func (Log) Name() string          { return NameLog }
func (Cleanup) Name() string      { return NameCleanup }
func (KillInstance) Name() string { return NameKillInstance }
func (Ping) Name() string         { return NamePing }

func (Start) isCommand()        {}
func (Stop) isCommand()         {}
func (Status) isCommand()       {}
func (Log) isCommand()          {}
func (Cleanup) isCommand()      {}
func (KillInstance) isCommand() {}
func (Ping) isCommand()         {}

// Request is the flat wire form of a Command.
type Request struct {
	Command          string   `json:"command"`
	ID               string   `json:"id,omitempty"`
	Cmd              string   `json:"cmd,omitempty"`
	Argv             []string `json:"argv,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	Env              []string `json:"env,omitempty"`
	Force            bool     `json:"force,omitempty"`
	Lines            int      `json:"lines,omitempty"`
	Follow           bool     `json:"follow,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func checkID(id string, required bool) error {
	if id == "" {
		if required {
			return invalid("id is required")
		}
		return nil
	}
	if !IsSafeName(id) {
		return invalid("id %q must match [A-Za-z0-9._-]+, contain no '..' and be at most %d bytes", id, MaxNameLen)
	}
	return nil
}

// Decode parses one request line into a validated Command.
func Decode(line []byte) (Command, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, invalid("malformed request: %v", err)
	}
	return req.Decode()
}

// Decode validates the request and returns its typed Command.
func (r Request) Decode() (Command, error) {
	switch r.Command {
	case NameStart:
		if err := checkID(r.ID, false); err != nil {
			return nil, err
		}
		hasCmd, hasArgv := r.Cmd != "", len(r.Argv) > 0
		if hasCmd == hasArgv {
			return nil, invalid("start needs exactly one of cmd or argv")
		}
		if hasArgv && r.Argv[0] == "" {
			return nil, invalid("argv[0] is empty")
		}
		for _, kv := range r.Env {
			if strings.IndexByte(kv, '=') <= 0 {
				return nil, invalid("env entry %q must be KEY=VALUE", kv)
			}
		}
		return Start{ID: r.ID, Cmd: r.Cmd, Argv: r.Argv, WorkDir: r.WorkingDirectory, Env: r.Env}, nil
	case NameStop:
		if err := checkID(r.ID, true); err != nil {
			return nil, err
		}
		return Stop{ID: r.ID, Force: r.Force}, nil
	case NameStatus:
		if err := checkID(r.ID, false); err != nil {
			return nil, err
		}
		return Status{ID: r.ID}, nil
	case NameLog:
		if err := checkID(r.ID, true); err != nil {
			return nil, err
		}
		if r.Lines < 0 {
			return nil, invalid("lines must be >= 0")
		}
		return Log{ID: r.ID, Lines: r.Lines, Follow: r.Follow}, nil
	case NameCleanup:
		return Cleanup{}, nil
	case NameKillInstance:
		return KillInstance{}, nil
	case NamePing:
		return Ping{}, nil
	case "":
		return nil, invalid("missing command")
	default:
		return nil, invalid("unknown command %q", r.Command)
	}
}

// NewRequest is the inverse of Request.Decode.
func NewRequest(c Command) Request {
	switch v := c.(type) {
	case Start:
		return Request{Command: NameStart, ID: v.ID, Cmd: v.Cmd, Argv: v.Argv, WorkingDirectory: v.WorkDir, Env: v.Env}
	case Stop:
		return Request{Command: NameStop, ID: v.ID, Force: v.Force}
	case Status:
		return Request{Command: NameStatus, ID: v.ID}
	case Log:
		return Request{Command: NameLog, ID: v.ID, Lines: v.Lines, Follow: v.Follow}
	default:
		return Request{Command: c.Name()}
	}
}
