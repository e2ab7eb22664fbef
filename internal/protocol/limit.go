package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// MaxLineBytes caps a single log line carried in a log reply or a follow
// message. Longer lines are cut and marked.
const MaxLineBytes = 64 << 10

// envelopeSlack covers the response framing around the lines array.
const envelopeSlack = 256

// CapLine returns line cut to MaxLineBytes on a rune boundary, followed by
// a marker naming how many bytes were dropped.
func CapLine(line string) string {
	if len(line) <= MaxLineBytes {
		return line
	}
	cut := MaxLineBytes
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + fmt.Sprintf(" ...[truncated %d bytes]", len(line)-cut)
}

// FitLogResult caps every line and drops the oldest lines until the
// encoded result fits in one message.
func FitLogResult(id string, lines []string, follow bool) LogResult {
	capped := make([]string, len(lines))
	sizes := make([]int, len(lines))
	budget := MaxMessageBytes - envelopeSlack - 2*len(id)
	total := 0
	for i, l := range lines {
		capped[i] = CapLine(l)
		sizes[i] = encodedLen(capped[i]) + 1
		total += sizes[i]
	}
	start := 0
	// The payload is embedded raw in the response, so it is counted once.
	for start < len(capped) && total > budget {
		total -= sizes[start]
		start++
	}
	return LogResult{ID: id, Lines: capped[start:], Follow: follow}
}

func encodedLen(s string) int {
	b, err := json.Marshal(s)
	if err != nil {
		return len(s) * 6
	}
	return len(b)
}
