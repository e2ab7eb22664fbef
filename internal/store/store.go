package store

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

var (
	// ErrNotFound is returned for an unknown process id.
	ErrNotFound = errors.New("process not found")
	// ErrInvalidState is returned when an operation is not valid for the record's state.
	ErrInvalidState = errors.New("invalid process state")
	// ErrConflict is returned when a non-terminal record already owns the id.
	ErrConflict = errors.New("process id already in use")
)

// Store is the in-memory table of supervised processes for one instance.
// The mutex is the single serialization point for every record mutation.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	seq     uint64
	nextID  int
}

func New() *Store {
	return &Store{records: make(map[string]*Record), nextID: 1}
}

// NextID returns the next free auto-generated id of the form proc_N.
func (s *Store) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := "proc_" + strconv.Itoa(s.nextID)
		s.nextID++
		if _, taken := s.records[id]; !taken {
			return id
		}
	}
}

// Reserve atomically inserts the record built by mk unless a non-terminal
// record already owns id. A terminal record with the same id is replaced.
func (s *Store) Reserve(id string, mk func() Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[id]; ok && !cur.State.Terminal() {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrConflict, id, cur.State)
	}
	rec := mk()
	rec.ID = id
	s.seq++
	rec.seq = s.seq
	s.records[id] = &rec
	return rec.Clone(), nil
}

// Put inserts or replaces a record unconditionally.
func (s *Store) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := rec.Clone()
	s.seq++
	c.seq = s.seq
	s.records[rec.ID] = &c
}

func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// List returns copies of all records ordered by start time.
func (s *Store) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].seq < out[j].seq
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Update applies fn to the record under the store lock. If fn returns an
// error the record is left untouched.
func (s *Store) Update(id string, fn func(*Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	work := r.Clone()
	if err := fn(&work); err != nil {
		return r.Clone(), err
	}
	work.ID = id
	work.seq = r.seq
	*r = work
	return work.Clone(), nil
}

// Remove deletes a terminal record.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !r.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, r.State)
	}
	delete(s.records, id)
	return nil
}

// RemoveTerminal deletes every terminal record in one critical section and
// returns what was removed.
func (s *Store) RemoveTerminal() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Record
	for id, r := range s.records {
		if r.State.Terminal() {
			removed = append(removed, r.Clone())
			delete(s.records, id)
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// CountByState returns how many records are in each state.
func (s *Store) CountByState() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := make(map[State]int)
	for _, r := range s.records {
		m[r.State]++
	}
	return m
}
