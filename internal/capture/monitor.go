package capture

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// PublishFunc receives the concatenated text of newly drained entries and
// the running total entry count.
type PublishFunc func(text string, totalEntries int) error

// Monitor periodically drains a Buffer and republishes new output through
// publish. It runs alongside the job's execution and is cancelled the
// moment execution returns; Flush performs the final drain that
// guarantees nothing written between the last tick and completion is
// lost. A publish failure stops the monitor without failing the job.
type Monitor struct {
	buf      *Buffer
	interval time.Duration
	publish  PublishFunc

	mu   sync.Mutex
	next int
}

func NewMonitor(buf *Buffer, interval time.Duration, publish PublishFunc) *Monitor {
	return &Monitor{buf: buf, interval: interval, publish: publish}
}

// Run loops until ctx is cancelled or a drain fails.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.drain(); err != nil {
			log.Printf("capture monitor stopped: %v", err)
			return
		}
	}
}

// Flush drains whatever is left. Call after Run has been cancelled and
// before the job's terminal event is appended.
func (m *Monitor) Flush() {
	if err := m.drain(); err != nil {
		log.Printf("capture monitor final drain: %v", err)
	}
}

func (m *Monitor) drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.buf.Since(m.next)
	if len(entries) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Text)
	}
	if err := m.publish(sb.String(), m.buf.Len()); err != nil {
		return err
	}
	m.next += len(entries)
	return nil
}
