package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/loykin/procd/internal/store"
)

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "NotFound"
	KindInvalidState    ErrorKind = "InvalidState"
	KindSpawnError      ErrorKind = "SpawnError"
	KindInvalidArgument ErrorKind = "InvalidArgument"
	KindInternal        ErrorKind = "Internal"
	// Never sent by the daemon; produced by clients and at daemon start.
	KindChannelError   ErrorKind = "ChannelError"
	KindAlreadyRunning ErrorKind = "AlreadyRunning"
)

// Error is the error payload of a failed response.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Response is the single reply to a request.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// LineMessage is pushed after the initial response while following a log.
type LineMessage struct {
	Line string `json:"line"`
}

// OK builds a success response around payload.
func OK(payload any) (Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode payload: %w", err)
	}
	return Response{OK: true, Data: b}, nil
}

// Fail builds an error response.
func Fail(kind ErrorKind, msg string) Response {
	return Response{OK: false, Error: &Error{Kind: kind, Message: msg}}
}

// Into decodes the success payload into v, or returns the carried error.
func (r Response) Into(v any) error {
	if !r.OK {
		if r.Error == nil {
			return &Error{Kind: KindInternal, Message: "failed response without error"}
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// ProcessResult answers start and stop.
type ProcessResult struct {
	ID      string       `json:"id"`
	State   store.State  `json:"state"`
	Process store.Record `json:"process"`
}

type StatusResult struct {
	Processes []store.Record `json:"processes"`
}

type LogResult struct {
	ID     string   `json:"id"`
	Lines  []string `json:"lines"`
	Follow bool     `json:"follow,omitempty"`
}

type CleanupResult struct {
	Removed int      `json:"removed"`
	IDs     []string `json:"ids,omitempty"`
}

type KillResult struct {
	Killed int `json:"killed"`
}

type PingResult struct {
	Message  string `json:"message"`
	Instance string `json:"instance,omitempty"`
	PID      int    `json:"pid,omitempty"`
}
