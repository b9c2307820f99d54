package registry

import (
	"fmt"
	"sync"
	"time"

	"task-stream/internal/eventlog"
	"task-stream/internal/models"
	"task-stream/internal/telemetry"
)

// Job is the per-job record: its event log, the configuration it was
// started with, and its completion state. Mutated only through the Jobs
// registry.
type Job struct {
	ID        string
	Config    map[string]any
	Log       *eventlog.Log
	Timeout   time.Duration
	CreatedAt time.Time

	mu          sync.Mutex
	completed   bool
	completedAt time.Time
	result      map[string]any
}

// Completed reports whether the terminal event has been appended.
func (j *Job) Completed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

// Result returns the terminal payload, or nil while the job is running.
func (j *Job) Result() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// MirrorFunc receives every event appended to a job's log so it can be
// copied into attached client sessions.
type MirrorFunc func(jobID string, kind models.EventKind, payload map[string]any)

// Jobs maps job ids to records. It owns every Job it creates.
type Jobs struct {
	mu     sync.RWMutex
	byID   map[string]*Job
	mirror MirrorFunc
}

func NewJobs() *Jobs {
	return &Jobs{byID: make(map[string]*Job)}
}

// SetMirror installs the fan-in hook. Must be called before any job is
// created.
func (r *Jobs) SetMirror(fn MirrorFunc) {
	r.mirror = fn
}

// Create registers a new job record.
func (r *Jobs) Create(id string, config map[string]any, timeout time.Duration) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return nil, fmt.Errorf("create job %q: %w", id, ErrDuplicateJob)
	}
	job := &Job{
		ID:        id,
		Config:    config,
		Log:       eventlog.New(),
		Timeout:   timeout,
		CreatedAt: time.Now().UTC(),
	}
	r.byID[id] = job
	return job, nil
}

// Get returns the record for id if it exists.
func (r *Jobs) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byID[id]
	return job, ok
}

// AppendProgress appends a progress event to the job's log and mirrors
// it to attached sessions. Appending after completion is a caller bug
// and is rejected.
func (r *Jobs) AppendProgress(id string, payload map[string]any) error {
	job, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("append progress to %q: %w", id, ErrUnknownJob)
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.completed {
		return fmt.Errorf("append progress to %q: %w", id, ErrJobCompleted)
	}
	job.Log.Append(models.KindProgress, payload)
	telemetry.EventsAppended.Inc()
	if r.mirror != nil {
		r.mirror(id, models.KindProgress, payload)
	}
	return nil
}

// Complete appends the terminal event and flips the completed flag.
// A nil execErr records a completion event carrying result; otherwise an
// error event is recorded and result is ignored. Callers must complete a
// job exactly once.
func (r *Jobs) Complete(id string, result map[string]any, execErr error) error {
	job, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("complete %q: %w", id, ErrUnknownJob)
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.completed {
		return fmt.Errorf("complete %q: %w", id, ErrJobCompleted)
	}

	kind := models.KindCompletion
	payload := result
	if execErr != nil {
		kind = models.KindError
		payload = map[string]any{
			"status": "error",
			"error":  execErr.Error(),
		}
	}
	job.Log.Append(kind, payload)
	job.completed = true
	job.completedAt = time.Now().UTC()
	job.result = payload
	telemetry.EventsAppended.Inc()
	if r.mirror != nil {
		r.mirror(id, kind, payload)
	}
	return nil
}

// IsCompleted reports the completion flag; false for unknown ids.
func (r *Jobs) IsCompleted(id string) bool {
	job, ok := r.Get(id)
	if !ok {
		return false
	}
	return job.Completed()
}

// Remove deletes a job record. Streams polling it will observe the
// producer as gone and close with an error frame.
func (r *Jobs) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// SweepCompleted evicts jobs whose terminal event is older than ttl and
// returns how many were removed. A zero ttl disables eviction.
func (r *Jobs) SweepCompleted(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, job := range r.byID {
		job.mu.Lock()
		expired := job.completed && job.completedAt.Before(cutoff)
		job.mu.Unlock()
		if expired {
			delete(r.byID, id)
			removed++
		}
	}
	return removed
}
