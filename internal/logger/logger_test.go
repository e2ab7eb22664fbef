package logger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, maxMB int) *Manager {
	t.Helper()
	return NewManager(Config{Dir: t.TempDir(), MaxSizeMB: maxMB, PollInterval: 20 * time.Millisecond})
}

func backups(t *testing.T, m *Manager, id string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(m.Dir(), id+"-*.log"))
	require.NoError(t, err)
	sort.Strings(matches)
	return matches
}

func TestOpenAppendsToExisting(t *testing.T) {
	m := newTestManager(t, 1)
	require.NoError(t, os.MkdirAll(m.Dir(), 0o750))
	require.NoError(t, os.WriteFile(m.Path("a"), []byte("old\n"), 0o600))

	h, err := m.Open("a")
	require.NoError(t, err)
	_, err = h.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	b, err := os.ReadFile(m.Path("a"))
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(b))
}

func TestRotationCrossingThresholdOnce(t *testing.T) {
	m := newTestManager(t, 1)
	var rotated []string
	m.OnRotate(func(id string) { rotated = append(rotated, id) })

	h, err := m.Open("r")
	require.NoError(t, err)

	const chunk = 32 * 1024
	var want bytes.Buffer
	for i := 0; i < 34; i++ {
		p := bytes.Repeat([]byte{byte('a' + i%26)}, chunk)
		n, err := h.Write(p)
		require.NoError(t, err)
		require.Equal(t, chunk, n)
		want.Write(p)
	}
	require.NoError(t, h.Close())

	assert.Equal(t, 1, h.Rotations())
	assert.Equal(t, []string{"r"}, rotated)

	bs := backups(t, m, "r")
	require.Len(t, bs, 1)
	old, err := os.ReadFile(bs[0])
	require.NoError(t, err)
	cur, err := os.ReadFile(m.Path("r"))
	require.NoError(t, err)

	assert.Equal(t, megabyte, len(old))
	assert.Equal(t, 2*chunk, len(cur))
	assert.True(t, bytes.Equal(want.Bytes(), append(old, cur...)), "bytes lost or duplicated across rotation")
}

func TestRotationDefaultThreshold(t *testing.T) {
	if testing.Short() {
		t.Skip("writes more than 10MB")
	}
	m := NewManager(Config{Dir: t.TempDir()})
	h, err := m.Open("big")
	require.NoError(t, err)

	line := []byte(strings.Repeat("x", 1023) + "\n")
	total := 0
	for total <= DefaultMaxSizeMB*megabyte {
		n, err := h.Write(line)
		require.NoError(t, err)
		total += n
	}
	require.NoError(t, h.Close())
	assert.Equal(t, 1, h.Rotations())

	bs := backups(t, m, "big")
	require.Len(t, bs, 1)
	fi, err := os.Stat(bs[0])
	require.NoError(t, err)
	cur, err := os.Stat(m.Path("big"))
	require.NoError(t, err)
	assert.Equal(t, int64(total), fi.Size()+cur.Size())
}

func TestOversizedWriteIsSplit(t *testing.T) {
	m := newTestManager(t, 1)
	h, err := m.Open("s")
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	p := bytes.Repeat([]byte("z"), 2*megabyte+megabyte/2)
	n, err := h.Write(p)
	require.NoError(t, err)
	assert.Equal(t, len(p), n)
	assert.Equal(t, 2, h.Rotations())

	fi, err := os.Stat(m.Path("s"))
	require.NoError(t, err)
	assert.Equal(t, int64(megabyte/2), fi.Size())
}

func TestWriteAfterClose(t *testing.T) {
	m := newTestManager(t, 1)
	h, err := m.Open("c")
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	_, err = h.Write([]byte("x"))
	assert.True(t, errors.Is(err, os.ErrClosed))
}

func TestTail(t *testing.T) {
	m := newTestManager(t, 1)
	h, err := m.Open("t")
	require.NoError(t, err)
	for i := 1; i <= 100; i++ {
		_, _ = fmt.Fprintf(h, "line %d\n", i)
	}
	require.NoError(t, h.Close())

	lines, off, err := m.Tail("t", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 98", "line 99", "line 100"}, lines)
	fi, _ := os.Stat(m.Path("t"))
	assert.Equal(t, fi.Size(), off)

	lines, _, err = m.Tail("t", 500)
	require.NoError(t, err)
	assert.Len(t, lines, 100)
	assert.Equal(t, "line 1", lines[0])

	lines, off, err = m.Tail("missing", 10)
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Zero(t, off)
}

func TestTailPartialLastLine(t *testing.T) {
	m := newTestManager(t, 1)
	require.NoError(t, os.MkdirAll(m.Dir(), 0o750))
	require.NoError(t, os.WriteFile(m.Path("p"), []byte("a\nb\nno newline"), 0o600))
	lines, off, err := m.Tail("p", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "no newline"}, lines)
	assert.Equal(t, int64(len("a\nb\nno newline")), off)
}

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) emit(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestFollowFromOffset(t *testing.T) {
	m := newTestManager(t, 1)
	h, err := m.Open("f")
	require.NoError(t, err)
	defer func() { _ = h.Close() }()
	_, _ = h.Write([]byte("before 1\nbefore 2\n"))

	tail, off, err := m.Tail("f", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"before 1", "before 2"}, tail)

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	done := make(chan error, 1)
	go func() { done <- m.Follow(ctx, "f", off, c.emit) }()

	_, _ = h.Write([]byte("after 1\nafter"))
	_, _ = h.Write([]byte(" 2\n"))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"after 1", "after 2"}, c.snapshot())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop after cancel")
	}
}

func TestFollowAcrossRotation(t *testing.T) {
	m := newTestManager(t, 1)
	require.NoError(t, os.MkdirAll(m.Dir(), 0o750))
	path := m.Path("rot")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	go func() { _ = m.Follow(ctx, "rot", 0, c.emit) }()
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, _ = f.WriteString("two\n")
	require.NoError(t, f.Close())
	require.NoError(t, os.Rename(path, filepath.Join(m.Dir(), "rot-1.log")))
	require.NoError(t, os.WriteFile(path, []byte("three\n"), 0o600))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, c.snapshot())
}

func TestFollowMissingFileWaits(t *testing.T) {
	m := newTestManager(t, 1)
	require.NoError(t, os.MkdirAll(m.Dir(), 0o750))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	go func() { _ = m.Follow(ctx, "late", 0, c.emit) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(m.Path("late"), []byte("hello\n"), 0o600))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestFollowEmitErrorStops(t *testing.T) {
	m := newTestManager(t, 1)
	require.NoError(t, os.MkdirAll(m.Dir(), 0o750))
	require.NoError(t, os.WriteFile(m.Path("e"), []byte("x\n"), 0o600))
	stop := errors.New("client gone")
	err := m.Follow(context.Background(), "e", 0, func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestNewSlog(t *testing.T) {
	file := filepath.Join(t.TempDir(), "daemon.log")
	l, closer, err := NewSlog(DaemonConfig{Level: "debug", Format: "json", File: file})
	require.NoError(t, err)
	l.Debug("hello", "k", "v")
	require.NoError(t, closer.Close())
	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)

	_, _, err = NewSlog(DaemonConfig{Level: "loud"})
	assert.Error(t, err)
	_, _, err = NewSlog(DaemonConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, nil, false)
	l := slog.New(h).With("instance", "x")
	l.Warn("careful")
	out := buf.String()
	assert.Contains(t, out, "\033[33mWARN")
	assert.Contains(t, out, "instance=x")
	assert.NotContains(t, out, "time=")
}

func TestReopenSameIDKeepsGoroutinesBounded(t *testing.T) {
	m := newTestManager(t, 1)

	h, err := m.Open("loop")
	require.NoError(t, err)
	_, err = h.Write([]byte("warm\n"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	before := runtime.NumGoroutine()

	for i := 0; i < 100; i++ {
		h, err := m.Open("loop")
		require.NoError(t, err)
		_, err = fmt.Fprintf(h, "run %d\n", i)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+2)

	lines, _, err := m.Tail("loop", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"run 98", "run 99"}, lines)
}

func TestReopenWithoutCloseKeepsWriting(t *testing.T) {
	m := newTestManager(t, 1)

	first, err := m.Open("s")
	require.NoError(t, err)
	_, err = first.Write([]byte("one\n"))
	require.NoError(t, err)

	second, err := m.Open("s")
	require.NoError(t, err)
	_, err = first.Write([]byte("late\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = second.Write([]byte("two\n"))
	require.NoError(t, err)
	require.NoError(t, second.Close())

	b, err := os.ReadFile(m.Path("s"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(b))
}
