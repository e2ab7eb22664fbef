package process

import (
	"errors"
	"os/exec"
	"strings"
)

// Spec describes one process to start.
// Exactly one of Command and Argv is expected to be set; Argv wins when both are.
type Spec struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`           // shell string as given
	Argv    []string `json:"argv"`              // exec'd directly, no shell
	WorkDir string   `json:"working_directory"` // optional working dir
	Env     []string `json:"env"`               // optional extra env, K=V
}

var errEmptyCommand = errors.New("empty command")

// BuildCommand constructs an *exec.Cmd for the spec.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
// The returned command carries exec's lookup error in Cmd.Err, if any.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	if len(s.Argv) > 0 {
		if s.Argv[0] == "" {
			return nil, errEmptyCommand
		}
		// #nosec G204
		return exec.Command(s.Argv[0], s.Argv[1:]...), nil
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil, errEmptyCommand
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC), nil
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr), nil
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...), nil
}

// Display renders the spec for records and logs.
func (s Spec) Display() string {
	if len(s.Argv) > 0 {
		return strings.Join(s.Argv, " ")
	}
	return strings.TrimSpace(s.Command)
}

const shellMeta = "|&;<>*?`$\"'(){}[]~\n"

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the start
// of cmdStr and returns the script with one pair of outer quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := strings.TrimSpace(trim[len(p):])
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
