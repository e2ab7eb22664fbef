package protocol

import "strings"

// MaxNameLen bounds process ids and instance names, which end up in file names.
const MaxNameLen = 128

// IsSafeName validates names that are used to build file paths.
// Allowed characters: A-Z a-z 0-9 . _ - and no ".." anywhere.
func IsSafeName(s string) bool {
	if s == "" || len(s) > MaxNameLen {
		return false
	}
	if s == "." || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
