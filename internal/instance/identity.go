package instance

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// Identity is the content of daemon.pid. The first line holds the bare pid so
// that shell tools can read it; the second line is JSON metadata.
type Identity struct {
	PID       int       `json:"pid"`
	StartUnix int64     `json:"start_unix,omitempty"`
	Socket    string    `json:"socket"`
	StartedAt time.Time `json:"started_at"`
}

// Self describes the calling process.
func Self(socket string) Identity {
	pid := os.Getpid()
	return Identity{PID: pid, StartUnix: procStartUnix(pid), Socket: socket, StartedAt: time.Now().UTC()}
}

// WriteIdentity atomically replaces the identity file.
func WriteIdentity(path string, id Identity) error {
	meta, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(strconv.Itoa(id.PID))
	b.WriteByte('\n')
	b.Write(meta)
	b.WriteByte('\n')
	if err := renameio.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

// ReadIdentity parses an identity file. A file holding only a pid line is
// accepted.
func ReadIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	s := bufio.NewScanner(bytes.NewReader(data))
	if !s.Scan() {
		return Identity{}, fmt.Errorf("empty identity file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(s.Text()))
	if err != nil || pid <= 0 {
		return Identity{}, fmt.Errorf("invalid pid in %s", path)
	}
	id := Identity{PID: pid}
	if s.Scan() {
		var meta Identity
		if err := json.Unmarshal(bytes.TrimSpace(s.Bytes()), &meta); err == nil {
			id = meta
			id.PID = pid
		}
	}
	return id, nil
}

// Alive reports whether the process described by id still runs. A recorded
// start time that differs from the current one means the pid was reused.
func (id Identity) Alive() bool {
	if !pidAlive(id.PID) {
		return false
	}
	if id.StartUnix > 0 {
		if cur := procStartUnix(id.PID); cur > 0 && cur != id.StartUnix {
			return false
		}
	}
	return true
}

// Status reads the identity file and reports whether its daemon is alive.
// A missing file is reported as not alive without error.
func Status(l Layout) (Identity, bool, error) {
	id, err := ReadIdentity(l.PIDPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, false, nil
		}
		return Identity{}, false, err
	}
	return id, id.Alive(), nil
}

// RemoveStale deletes the identity file and socket left behind by a dead daemon.
func RemoveStale(l Layout) error {
	for _, p := range []string{l.PIDPath(), l.SocketPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", p, err)
		}
	}
	return nil
}
