package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"task-stream/internal/eventlog"
	"task-stream/internal/models"
	"task-stream/internal/telemetry"
)

// Session is a long-lived observer identity with its own aggregated
// event log and the set of jobs it is attached to.
type Session struct {
	ID        string
	Log       *eventlog.Log
	CreatedAt time.Time

	mu           sync.Mutex
	active       bool
	closedAt     time.Time
	lastActivity time.Time
	attached     map[string]struct{}
}

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LastActivity returns when the session last saw traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AttachedJobs returns a sorted snapshot of attached job ids.
func (s *Session) AttachedJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.attached))
	for id := range s.attached {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionInfo is the diagnostic view of an active session.
type SessionInfo struct {
	ClientID     string    `json:"client_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	AttachedJobs []string  `json:"attached_jobs"`
}

// Sessions maps client ids to sessions and performs fan-in: events
// appended to a job's log are copied, synchronously, into the log of
// every session attached to that job.
type Sessions struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	watchers map[string]map[string]struct{} // job id -> client ids
}

func NewSessions() *Sessions {
	return &Sessions{
		byID:     make(map[string]*Session),
		watchers: make(map[string]map[string]struct{}),
	}
}

// Open creates a new client session.
func (r *Sessions) Open(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return nil, fmt.Errorf("open session %q: %w", id, ErrDuplicateSession)
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:           id,
		Log:          eventlog.New(),
		CreatedAt:    now,
		active:       true,
		lastActivity: now,
		attached:     make(map[string]struct{}),
	}
	r.byID[id] = sess
	telemetry.ActiveSessions.Inc()
	return sess, nil
}

// Get returns the session for id if it exists.
func (r *Sessions) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byID[id]
	return sess, ok
}

// IsActive reports whether the session exists and is still open.
func (r *Sessions) IsActive(id string) bool {
	sess, ok := r.Get(id)
	if !ok {
		return false
	}
	return sess.Active()
}

// Touch updates the session's activity timestamp.
func (r *Sessions) Touch(id string) {
	sess, ok := r.Get(id)
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.lastActivity = time.Now().UTC()
	sess.mu.Unlock()
}

// Attach registers the session's interest in a job. From this point every
// new event on the job's log is mirrored into the session's log.
func (r *Sessions) Attach(clientID, jobID string) error {
	sess, ok := r.Get(clientID)
	if !ok {
		return fmt.Errorf("attach %q to %q: %w", jobID, clientID, ErrUnknownSession)
	}

	sess.mu.Lock()
	if !sess.active {
		sess.mu.Unlock()
		return fmt.Errorf("attach %q to %q: %w", jobID, clientID, ErrSessionClosed)
	}
	sess.attached[jobID] = struct{}{}
	sess.lastActivity = time.Now().UTC()
	sess.mu.Unlock()

	r.mu.Lock()
	if r.watchers[jobID] == nil {
		r.watchers[jobID] = make(map[string]struct{})
	}
	r.watchers[jobID][clientID] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Detach removes the job from the session. Already-mirrored events stay
// in the session log.
func (r *Sessions) Detach(clientID, jobID string) error {
	sess, ok := r.Get(clientID)
	if !ok {
		return fmt.Errorf("detach %q from %q: %w", jobID, clientID, ErrUnknownSession)
	}

	sess.mu.Lock()
	delete(sess.attached, jobID)
	sess.mu.Unlock()

	r.mu.Lock()
	if set := r.watchers[jobID]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(r.watchers, jobID)
		}
	}
	r.mu.Unlock()
	return nil
}

// Close flips the session inactive and detaches all jobs. The log is
// kept so trailing reads can still drain it. Closing an already-closed
// session is a no-op.
func (r *Sessions) Close(id string) error {
	sess, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("close session %q: %w", id, ErrUnknownSession)
	}

	sess.mu.Lock()
	if !sess.active {
		sess.mu.Unlock()
		return nil
	}
	sess.active = false
	sess.closedAt = time.Now().UTC()
	jobs := make([]string, 0, len(sess.attached))
	for jobID := range sess.attached {
		jobs = append(jobs, jobID)
	}
	sess.attached = make(map[string]struct{})
	sess.mu.Unlock()

	r.mu.Lock()
	for _, jobID := range jobs {
		if set := r.watchers[jobID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.watchers, jobID)
			}
		}
	}
	r.mu.Unlock()
	telemetry.ActiveSessions.Dec()
	return nil
}

// Mirror copies one job event into every attached session's log, with
// the payload augmented by the originating job id. Closed sessions never
// receive new events.
func (r *Sessions) Mirror(jobID string, kind models.EventKind, payload map[string]any) {
	r.mu.RLock()
	clientIDs := make([]string, 0, len(r.watchers[jobID]))
	for clientID := range r.watchers[jobID] {
		clientIDs = append(clientIDs, clientID)
	}
	r.mu.RUnlock()
	if len(clientIDs) == 0 {
		return
	}

	augmented := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		augmented[k] = v
	}
	augmented["job_id"] = jobID

	for _, clientID := range clientIDs {
		sess, ok := r.Get(clientID)
		if !ok {
			continue
		}
		sess.mu.Lock()
		if sess.active {
			sess.Log.Append(kind, augmented)
			sess.lastActivity = time.Now().UTC()
			telemetry.EventsMirrored.Inc()
		}
		sess.mu.Unlock()
	}
}

// Active returns diagnostics for every open session.
func (r *Sessions) Active() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, sess := range r.byID {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.Active() {
			continue
		}
		out = append(out, SessionInfo{
			ClientID:     sess.ID,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity(),
			AttachedJobs: sess.AttachedJobs(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Remove deletes a session record entirely.
func (r *Sessions) Remove(id string) {
	_ = r.Close(id)
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

// SweepClosed evicts sessions closed longer than ttl ago and returns how
// many were removed. A zero ttl disables eviction.
func (r *Sessions) SweepClosed(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, sess := range r.byID {
		sess.mu.Lock()
		expired := !sess.active && sess.closedAt.Before(cutoff)
		sess.mu.Unlock()
		if expired {
			delete(r.byID, id)
			removed++
		}
	}
	return removed
}
