package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func running(id string, pid int, at time.Time) func() Record {
	return func() Record {
		return Record{ID: id, Command: "sleep 1", PID: pid, State: StateRunning, StartedAt: at}
	}
}

func TestReserveConflictAndReplace(t *testing.T) {
	s := New()
	now := time.Now()

	_, err := s.Reserve("a", running("a", 10, now))
	require.NoError(t, err)

	_, err = s.Reserve("a", running("a", 11, now))
	require.ErrorIs(t, err, ErrConflict)

	_, err = s.Update("a", func(r *Record) error {
		r.Terminate(StateFinished, 0, now)
		return nil
	})
	require.NoError(t, err)

	rec, err := s.Reserve("a", running("a", 12, now))
	require.NoError(t, err)
	assert.Equal(t, 12, rec.PID)
	assert.Equal(t, 1, s.Len())
}

func TestReserveConcurrentSameID(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflict := 0, 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			_, err := s.Reserve("same", running("same", pid, time.Now()))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrConflict) {
				conflict++
			}
		}(i + 1)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 31, conflict)
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	s.Put(Record{ID: "x", Argv: []string{"echo", "hi"}, State: StateRunning, PID: 5})

	r, err := s.Get("x")
	require.NoError(t, err)
	r.Argv[0] = "mutated"
	r.State = StateKilled

	again, _ := s.Get("x")
	assert.Equal(t, "echo", again.Argv[0])
	assert.Equal(t, StateRunning, again.State)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListOrderedByStart(t *testing.T) {
	s := New()
	base := time.Now()
	s.Put(Record{ID: "late", StartedAt: base.Add(2 * time.Second)})
	s.Put(Record{ID: "tie1", StartedAt: base})
	s.Put(Record{ID: "tie2", StartedAt: base})
	s.Put(Record{ID: "mid", StartedAt: base.Add(time.Second)})

	var ids []string
	for _, r := range s.List() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"tie1", "tie2", "mid", "late"}, ids)
}

func TestUpdateErrorLeavesRecord(t *testing.T) {
	s := New()
	s.Put(Record{ID: "u", State: StateRunning, PID: 7})
	boom := errors.New("boom")
	_, err := s.Update("u", func(r *Record) error {
		r.State = StateCrashed
		return boom
	})
	require.ErrorIs(t, err, boom)
	r, _ := s.Get("u")
	assert.Equal(t, StateRunning, r.State)

	_, err = s.Update("nope", func(*Record) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveRequiresTerminal(t *testing.T) {
	s := New()
	s.Put(Record{ID: "r", State: StateRunning, PID: 3})
	require.ErrorIs(t, s.Remove("r"), ErrInvalidState)
	require.ErrorIs(t, s.Remove("missing"), ErrNotFound)

	_, _ = s.Update("r", func(r *Record) error {
		r.Terminate(StateKilled, 137, time.Now())
		return nil
	})
	require.NoError(t, s.Remove("r"))
	assert.Equal(t, 0, s.Len())
}

func TestRemoveTerminalOnlyTerminal(t *testing.T) {
	s := New()
	s.Put(Record{ID: "run", State: StateRunning, PID: 1})
	s.Put(Record{ID: "stop", State: StateStopping, PID: 2})
	s.Put(Record{ID: "fin", State: StateFinished})
	s.Put(Record{ID: "crash", State: StateCrashed})
	s.Put(Record{ID: "kill", State: StateKilled})

	removed := s.RemoveTerminal()
	assert.Len(t, removed, 3)
	assert.Equal(t, 2, s.Len())
	_, err := s.Get("run")
	assert.NoError(t, err)
	_, err = s.Get("stop")
	assert.NoError(t, err)
	assert.Empty(t, s.RemoveTerminal())
}

func TestNextIDSkipsTaken(t *testing.T) {
	s := New()
	s.Put(Record{ID: "proc_1", State: StateRunning})
	assert.Equal(t, "proc_2", s.NextID())
	assert.Equal(t, "proc_3", s.NextID())
}

func TestStateText(t *testing.T) {
	for _, st := range []State{StateStarting, StateRunning, StateStopping, StateFinished, StateCrashed, StateKilled} {
		b, err := st.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, st, back)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("BOGUS")))
	assert.True(t, StateKilled.Terminal())
	assert.False(t, StateStopping.Terminal())
	assert.True(t, StateStopping.Alive())
}
