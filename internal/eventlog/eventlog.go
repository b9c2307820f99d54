package eventlog

import (
	"sync"
	"time"

	"task-stream/internal/models"
)

// Log is an append-only, in-memory event sequence. Append is the sole
// mutator; readers consume via Slice with their own cursor and never
// block. Safe for one or more writers and many concurrent readers.
type Log struct {
	mu     sync.RWMutex
	events []models.Event
}

func New() *Log {
	return &Log{}
}

// Append adds an event and returns its sequence number.
func (l *Log) Append(kind models.EventKind, payload map[string]any) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := len(l.events)
	l.events = append(l.events, models.Event{
		Sequence:  seq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	return seq
}

// Slice returns a copy of every event at or after the given cursor, in
// append order. It returns nil when there is nothing new; polling loops
// own the waiting.
func (l *Log) Slice(from int) []models.Event {
	if from < 0 {
		from = 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from >= len(l.events) {
		return nil
	}
	out := make([]models.Event, len(l.events)-from)
	copy(out, l.events[from:])
	return out
}

// Size returns the number of events appended so far.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
