// Package analytics delivers fire-and-forget engine events: performance
// timings, classified errors, and feature adoption.
//
// The engine calls [Sink.Record] and moves on. Delivery policy (buffering,
// batching, retries) belongs to the sink; the engine never blocks on it.
package analytics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Event is one analytics record.
type Event struct {
	// Type names the event, e.g. "listen_completed", "error_classified",
	// "fallback_entered".
	Type string

	// SessionID ties the event to a voice session, when applicable.
	SessionID string

	// UserID identifies the user, when applicable.
	UserID string

	// At is when the event occurred.
	At time.Time

	// Attrs carries event-specific key/value pairs.
	Attrs map[string]any
}

// Sink accepts events. Record must not block and must never return an error
// to the caller; failures are the sink's problem.
type Sink interface {
	Record(ev Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(Event) {}

var _ Sink = NopSink{}

// LogSink writes events to a structured logger at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("analytics event",
		"type", ev.Type,
		"session_id", ev.SessionID,
		"user_id", ev.UserID,
		"at", ev.At,
		"attrs", ev.Attrs,
	)
}

var _ Sink = LogSink{}

// AsyncSink decouples the caller from a possibly slow downstream sink with a
// bounded buffer. When the buffer is full, events are dropped and counted
// rather than blocking the engine.
type AsyncSink struct {
	next    Sink
	buf     chan Event
	dropped atomic.Int64
	done    chan struct{}
}

// NewAsyncSink wraps next with a buffer of the given size (minimum 1).
// Run must be started for events to drain.
func NewAsyncSink(next Sink, size int) *AsyncSink {
	if size < 1 {
		size = 1
	}
	return &AsyncSink{
		next: next,
		buf:  make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Record enqueues ev, dropping it when the buffer is full.
func (s *AsyncSink) Record(ev Event) {
	select {
	case s.buf <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Run drains the buffer into the wrapped sink until ctx is cancelled, then
// flushes whatever is already buffered.
func (s *AsyncSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.buf:
					s.next.Record(ev)
				default:
					return
				}
			}
		case ev := <-s.buf:
			s.next.Record(ev)
		}
	}
}

// Wait blocks until Run has returned.
func (s *AsyncSink) Wait() {
	<-s.done
}

var _ Sink = (*AsyncSink)(nil)
