package trace

import (
	"io"
	"sync"
)

// RingTracer keeps the newest events in a fixed circular buffer. When it
// has a sink, Close writes the retained tail there, so a run that fails
// late still leaves its last events behind without paying for a full stream.
type RingTracer struct {
	mu     sync.RWMutex
	events []Event
	head   int  // next write position
	full   bool // has wrapped around
	level  Level

	sink   io.Writer
	format Format
}

// NewRingTracer creates a RingTracer with the given capacity and no sink.
func NewRingTracer(capacity int, level Level) *RingTracer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &RingTracer{events: make([]Event, capacity), level: level}
}

// WithSink makes Close dump the buffer to w in format.
func (t *RingTracer) WithSink(w io.Writer, format Format) *RingTracer {
	t.sink = w
	t.format = format
	return t
}

// Emit adds an event to the ring buffer.
func (t *RingTracer) Emit(ev *Event) {
	if !t.level.ShouldEmit(ev.Scope) && ev.Kind != KindHeartbeat {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.events[t.head] = *ev
	t.events[t.head].Seq = NextSeq()
	t.head++
	if t.head == len(t.events) {
		t.head = 0
		t.full = true
	}
}

// Snapshot returns a copy of all stored events in chronological order.
func (t *RingTracer) Snapshot() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.full {
		return append([]Event(nil), t.events[:t.head]...)
	}
	out := make([]Event, 0, len(t.events))
	out = append(out, t.events[t.head:]...)
	return append(out, t.events[:t.head]...)
}

// Dump writes all events to w in the specified format.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	events := t.Snapshot()
	for i := range events {
		if _, err := w.Write(FormatEvent(&events[i], format)); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op; events stay in memory until Close.
func (t *RingTracer) Flush() error {
	return nil
}

// Close dumps the buffer to the sink, if any, and closes a closable sink.
func (t *RingTracer) Close() error {
	if t.sink == nil {
		return nil
	}
	err := t.Dump(t.sink, t.format)
	if c, ok := t.sink.(io.Closer); ok && !isStdStream(t.sink) {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	t.sink = nil
	return err
}

// Level returns the current tracing level.
func (t *RingTracer) Level() Level {
	return t.level
}

// Enabled returns true if tracing is active.
func (t *RingTracer) Enabled() bool {
	return t.level > LevelOff
}
