package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

const tailChunk = 64 * 1024

// Tail returns the last n lines of the current log file for id together with
// the byte offset where reading stopped. Rotated files are not consulted.
// A missing file yields no lines and offset 0.
func (m *Manager) Tail(id string, n int) ([]string, int64, error) {
	f, err := os.Open(m.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, 0, nil
		}
		return nil, 0, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat log: %w", err)
	}
	end := fi.Size()
	if n <= 0 || end == 0 {
		return []string{}, end, nil
	}
	data, err := readTail(f, end, n)
	if err != nil {
		return nil, 0, err
	}
	return lastLines(data, n), end, nil
}

// readTail reads backwards from end until it holds more than n newlines or
// reaches the start of the file.
func readTail(r io.ReaderAt, end int64, n int) ([]byte, error) {
	var buf []byte
	pos := end
	for pos > 0 {
		size := int64(tailChunk)
		if pos < size {
			size = pos
		}
		pos -= size
		chunk := make([]byte, size)
		if _, err := r.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read log: %w", err)
		}
		buf = append(chunk, buf...)
		if bytes.Count(buf, []byte{'\n'}) > n {
			break
		}
	}
	return buf, nil
}

func lastLines(data []byte, n int) []string {
	data = bytes.TrimSuffix(data, []byte{'\n'})
	if len(data) == 0 {
		return []string{}
	}
	parts := bytes.Split(data, []byte{'\n'})
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(bytes.TrimSuffix(p, []byte{'\r'}))
	}
	return out
}
