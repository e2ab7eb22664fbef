package process

import (
	"os"
	"syscall"
	"time"

	"github.com/loykin/procd/internal/store"
)

// applyExit moves r into its terminal state.
//
//	exit 0                      -> FINISHED
//	stop was requested          -> KILLED
//	non-zero exit or signalled  -> CRASHED
//	no exit status at all       -> CRASHED with Error set
//
// A signal death is reported as 128+signo with the signal name.
func applyExit(r *store.Record, ps *os.ProcessState, waitErr error, at time.Time) {
	stopping := r.State == store.StateStopping
	r.PID = 0
	t := at
	r.EndedAt = &t

	if ps == nil {
		r.State = store.StateCrashed
		r.ExitCode = nil
		if waitErr != nil {
			r.Error = waitErr.Error()
		} else {
			r.Error = "exit status unavailable"
		}
		return
	}

	code := ps.ExitCode()
	r.Signal = ""
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		code = 128 + int(ws.Signal())
		r.Signal = signalName(ws.Signal())
	}
	r.ExitCode = &code

	switch {
	case code == 0 && r.Signal == "":
		r.State = store.StateFinished
	case stopping:
		r.State = store.StateKilled
	default:
		r.State = store.StateCrashed
	}
}
