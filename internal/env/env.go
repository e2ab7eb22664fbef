package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to supervised children.
// Precedence, lowest first: daemon OS environment (optional), instance-wide
// variables, per-start variables.
type Env struct {
	useOS bool
	vars  Var
	base  Var
}

// New returns an Env. When useOS is true the daemon's own environment is the base.
func New(useOS bool) *Env {
	e := &Env{useOS: useOS, vars: make(Var)}
	if useOS {
		e.base = fromList(os.Environ())
	}
	return e
}

// Set sets an instance-wide variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// SetList applies instance-wide "K=V" entries.
func (e *Env) SetList(kvs []string) error {
	for _, kv := range kvs {
		k, v, err := Split(kv)
		if err != nil {
			return err
		}
		e.Set(k, v)
	}
	return nil
}

// Split parses a "K=V" entry.
func Split(kv string) (string, string, error) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", fmt.Errorf("invalid env entry %q: want KEY=VALUE", kv)
	}
	return kv[:i], kv[i+1:], nil
}

// Validate reports the first malformed entry.
func Validate(kvs []string) error {
	for _, kv := range kvs {
		if _, _, err := Split(kv); err != nil {
			return err
		}
	}
	return nil
}

// Merge composes the final environment. ${VAR} references are expanded
// against the composed map, one level deep. Output is sorted by key.
func (e *Env) Merge(perStart []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(perStart))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range fromList(perStart) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func fromList(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, err := Split(kv); err == nil {
			m[k] = v
		}
	}
	return m
}

func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
