package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/procd/internal/store"
)

const (
	DefaultBuffer      = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder forwards supervisor lifecycle notifications to sinks on a
// single dispatch goroutine. Events are dropped, not queued without bound,
// when the buffer is full.
type Recorder struct {
	instance string
	sinks    []Sink
	timeout  time.Duration
	log      *slog.Logger

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Int64
}

type Option func(*Recorder)

func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.ch = make(chan Event, n)
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRecorder(instance string, sinks []Sink, opts ...Option) *Recorder {
	r := &Recorder{
		instance: instance,
		sinks:    sinks,
		timeout:  DefaultSendTimeout,
		log:      slog.Default(),
		ch:       make(chan Event, DefaultBuffer),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "event", e.Type, "id", e.Record.ID, "error", err)
			}
			cancel()
		}
	}
}

func (r *Recorder) emit(t EventType, rec store.Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	e := Event{Type: t, OccurredAt: time.Now().UTC(), Instance: r.instance, Record: rec}
	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
		r.log.Warn("history buffer full, event dropped", "event", t, "id", rec.ID)
	}
}

func (r *Recorder) OnStart(rec store.Record) { r.emit(EventStart, rec) }

func (r *Recorder) OnSpawnError(id string, err error) {
	r.emit(EventSpawnError, store.Record{ID: id, State: store.StateCrashed, Error: err.Error()})
}

func (r *Recorder) OnStop(rec store.Record, _ bool) { r.emit(EventStop, rec) }

func (r *Recorder) OnEscalate(rec store.Record) { r.emit(EventEscalate, rec) }

func (r *Recorder) OnExit(rec store.Record) { r.emit(EventExit, rec) }

// Dropped returns the number of events lost to a full buffer.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting events, waits for queued ones to be delivered
// (bounded by ctx) and closes sinks that hold resources.
func (r *Recorder) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()

		select {
		case <-r.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				err = errors.Join(err, c.Close())
			}
		}
	})
	return err
}
