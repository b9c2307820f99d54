package stream

import (
	"context"
	"time"

	"task-stream/internal/models"
)

// Frame is one wire-protocol frame: an SSE event name and a payload that
// is JSON-encoded at write time.
type Frame struct {
	Event string
	Data  any
}

// Reader is the cursor-based replay loop shared by the job and session
// stream endpoints. On each poll it drains everything after its cursor,
// emits one frame per event, and sleeps for PollInterval. It closes
// after the terminal predicate holds (draining once more so events
// written exactly at completion still flush), when the producer
// disappears or goes inactive, or when MaxDuration elapses since the
// reader started.
type Reader struct {
	// Slice returns events at or after the cursor. It must tolerate the
	// producer having been removed (return nil).
	Slice func(from int) []models.Event
	// Valid reports whether the producer still exists / is still open.
	Valid func() bool
	// Terminal reports whether the producer has finished. Nil means it
	// never finishes on its own (session streams).
	Terminal func() bool
	// Frame maps a log event to its wire frame.
	Frame func(ev models.Event) Frame

	// InvalidFrame is emitted once when Valid turns false; any remaining
	// history is drained first.
	InvalidFrame Frame
	// TimeoutFrame is emitted once when MaxDuration elapses.
	TimeoutFrame Frame

	PollInterval time.Duration
	MaxDuration  time.Duration
}

// Run drives the loop until the stream closes or ctx is cancelled.
// emit errors (a dropped connection) end the stream immediately.
func (r *Reader) Run(ctx context.Context, emit func(Frame) error) error {
	start := time.Now()
	cursor := 0

	drain := func() error {
		for _, ev := range r.Slice(cursor) {
			if err := emit(r.Frame(ev)); err != nil {
				return err
			}
			cursor++
		}
		return nil
	}

	for {
		if !r.Valid() {
			if err := drain(); err != nil {
				return err
			}
			return emit(r.InvalidFrame)
		}
		if time.Since(start) > r.MaxDuration {
			return emit(r.TimeoutFrame)
		}

		if err := drain(); err != nil {
			return err
		}
		if r.Terminal != nil && r.Terminal() {
			// One more pass for events appended while draining.
			return drain()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.PollInterval):
		}
	}
}
