package client

import (
	"fmt"

	"github.com/loykin/procd/internal/protocol"
	"github.com/loykin/procd/internal/store"
)

// Record and State are the daemon's process record types.
type (
	Record = store.Record
	State  = store.State
)

const (
	StateStarting = store.StateStarting
	StateRunning  = store.StateRunning
	StateStopping = store.StateStopping
	StateFinished = store.StateFinished
	StateCrashed  = store.StateCrashed
	StateKilled   = store.StateKilled
)

// StartRequest describes a process to start. Exactly one of Command and
// Argv must be set.
type StartRequest struct {
	ID      string
	Command string
	Argv    []string
	WorkDir string
	Env     []string
}

type (
	ProcessResult = protocol.ProcessResult
	CleanupResult = protocol.CleanupResult
	PingResult    = protocol.PingResult
)

// Kind classifies a failure.
type Kind = protocol.ErrorKind

// Error is a failed request. Compare with errors.Is against the sentinels
// below; only the kind is compared.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound        = &Error{Kind: protocol.KindNotFound}
	ErrInvalidState    = &Error{Kind: protocol.KindInvalidState}
	ErrSpawn           = &Error{Kind: protocol.KindSpawnError}
	ErrInvalidArgument = &Error{Kind: protocol.KindInvalidArgument}
	ErrInternal        = &Error{Kind: protocol.KindInternal}
	// ErrChannel covers dial, read and write failures on the socket.
	ErrChannel = &Error{Kind: protocol.KindChannelError}
)

func channelErr(op string, err error) error {
	return &Error{Kind: protocol.KindChannelError, Message: op + ": " + err.Error(), cause: err}
}

func fromWire(e *protocol.Error) error {
	if e == nil {
		return &Error{Kind: protocol.KindInternal, Message: "failed response without error"}
	}
	return &Error{Kind: e.Kind, Message: e.Message}
}
