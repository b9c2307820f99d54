package capture

import (
	"io"
	"sync"
	"time"
)

// Entry is one chunk of raw output captured from a running job.
type Entry struct {
	Stream string // "stdout" or "stderr"
	Text   string
	At     time.Time
}

// Buffer collects interleaved stdout/stderr output. Jobs may write from
// a goroutine other than the one draining, so every access holds the
// lock.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// WriteStdout records a chunk of standard output.
func (b *Buffer) WriteStdout(text string) {
	b.append("stdout", text)
}

// WriteStderr records a chunk of standard error.
func (b *Buffer) WriteStderr(text string) {
	b.append("stderr", text)
}

func (b *Buffer) append(stream, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{Stream: stream, Text: text, At: time.Now().UTC()})
}

// Since returns a copy of every entry at or after idx.
func (b *Buffer) Since(idx int) []Entry {
	if idx < 0 {
		idx = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx >= len(b.entries) {
		return nil
	}
	out := make([]Entry, len(b.entries)-idx)
	copy(out, b.entries[idx:])
	return out
}

// Len returns the number of entries captured so far.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Stdout returns an io.Writer that records into the stdout stream.
func (b *Buffer) Stdout() io.Writer {
	return streamWriter{buf: b, stream: "stdout"}
}

// Stderr returns an io.Writer that records into the stderr stream.
func (b *Buffer) Stderr() io.Writer {
	return streamWriter{buf: b, stream: "stderr"}
}

type streamWriter struct {
	buf    *Buffer
	stream string
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.buf.append(w.stream, string(p))
	return len(p), nil
}
