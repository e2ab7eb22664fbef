package instance

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/loykin/procd/internal/protocol"
)

// Info summarizes one instance directory.
type Info struct {
	Name     string   `json:"name"`
	Running  bool     `json:"running"`
	PID      int      `json:"pid,omitempty"`
	Socket   string   `json:"socket"`
	Identity Identity `json:"-"`
}

// List enumerates instance directories under baseDir, sorted by name.
// A missing baseDir yields an empty list.
func List(baseDir string) ([]Info, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read base dir: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() || !protocol.IsSafeName(e.Name()) {
			continue
		}
		l := Layout{BaseDir: baseDir, Name: e.Name()}
		id, alive, _ := Status(l)
		info := Info{Name: e.Name(), Running: alive, Socket: l.SocketPath(), Identity: id}
		if alive {
			info.PID = id.PID
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
