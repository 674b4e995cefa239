package task

import (
	"sync"
	"time"
)

// Log buffer defaults.
const (
	DefaultFlushSize     = 1024
	DefaultFlushInterval = 3 * time.Second
)

// LogEntry is one line of task output tagged with the status its context
// had when the line was produced.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Text      string
	Status    Status
}

// logBuffer batches entries and hands them to emit when flushSize entries
// are pending or flushInterval has passed since the first pending entry.
type logBuffer struct {
	// emitMu serializes take+emit so batches leave in submission order.
	emitMu sync.Mutex

	mu      sync.Mutex
	entries []LogEntry
	timer   *time.Timer
	closed  bool

	flushSize     int
	flushInterval time.Duration
	emit          func([]LogEntry)
}

func newLogBuffer(flushSize int, flushInterval time.Duration, emit func([]LogEntry)) *logBuffer {
	if flushSize <= 0 {
		flushSize = DefaultFlushSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &logBuffer{
		flushSize:     flushSize,
		flushInterval: flushInterval,
		emit:          emit,
	}
}

func (b *logBuffer) add(e LogEntry) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrDisposed
	}
	b.entries = append(b.entries, e)
	full := len(b.entries) >= b.flushSize
	if !full && b.timer == nil {
		b.timer = time.AfterFunc(b.flushInterval, b.flush)
	}
	b.mu.Unlock()

	if full {
		b.flush()
	}
	return nil
}

func (b *logBuffer) flush() {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.emit(batch)
	}
}

// close flushes what is pending and rejects later entries.
func (b *logBuffer) close() {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.emit(batch)
	}
}

func (b *logBuffer) takeLocked() []LogEntry {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.entries
	b.entries = nil
	return batch
}

// groupByStatus splits entries into runs of equal Status, keeping order.
func groupByStatus(entries []LogEntry) [][]LogEntry {
	var groups [][]LogEntry
	start := 0
	for i := 1; i <= len(entries); i++ {
		if i == len(entries) || entries[i].Status != entries[start].Status {
			groups = append(groups, entries[start:i])
			start = i
		}
	}
	return groups
}
