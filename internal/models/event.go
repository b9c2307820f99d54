package models

import (
	"time"
)

// EventKind classifies entries in an event log.
type EventKind string

const (
	KindStdout         EventKind = "stdout"
	KindStderr         EventKind = "stderr"
	KindProgress       EventKind = "progress"
	KindError          EventKind = "error"
	KindCompletion     EventKind = "completion"
	KindSessionClosed  EventKind = "session_closed"
	KindSessionTimeout EventKind = "session_timeout"
)

// Event is one entry in an append-only log. Sequence numbers are 0-based,
// assigned at append time, strictly increasing and never reused.
type Event struct {
	Sequence  int            `json:"sequence"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// SSE event names used when replaying a job log over the short-lived
// stream endpoint. Session streams use the event kind directly.
const (
	FrameUpdate   = "update"
	FrameComplete = "complete"
	FrameError    = "error"
)
