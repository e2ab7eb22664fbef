package env

import (
	"strings"
	"testing"
)

// FuzzMerge checks that Merge never panics and never emits malformed pairs.
func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=${", "Y=${X}}")

	f.Fuzz(func(t *testing.T, instance string, perStart string) {
		e := New(false)
		for _, kv := range strings.Split(instance, "\n") {
			if k, v, err := Split(kv); err == nil {
				e.Set(k, v)
			}
		}
		for _, kv := range e.Merge(strings.Split(perStart, "\n")) {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
	})
}
