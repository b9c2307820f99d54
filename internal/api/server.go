package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"task-stream/internal/config"
	"task-stream/internal/models"
	"task-stream/internal/ratelimit"
	"task-stream/internal/registry"
	"task-stream/internal/runner"
	"task-stream/internal/stream"
	"task-stream/internal/telemetry"
)

// Server wires HTTP handlers for job submission and event streaming.
type Server struct {
	cfg      config.Config
	jobs     *registry.Jobs
	sessions *registry.Sessions
	runner   *runner.Runner
	limiter  *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate
// limiting (tests do this).
func New(cfg config.Config, jobs *registry.Jobs, sessions *registry.Sessions, run *runner.Runner, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		sessions: sessions,
		runner:   run,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/stream/client/{clientID}", s.handleStreamSession)
	r.Get("/stream/{jobID}", s.handleStreamJob)

	r.Post("/connect", s.handleConnect)
	r.Delete("/client/{clientID}", s.handleDisconnect)
	r.Post("/clients/{clientID}/jobs/{jobID}", s.handleAttach)
	r.Delete("/clients/{clientID}/jobs/{jobID}", s.handleDetach)
	r.Get("/clients", s.handleListClients)
	return r
}

type submitRequest struct {
	TaskType   string         `json:"task_type"`
	Parameters map[string]any `json:"parameters"`
	Timeout    int            `json:"timeout"` // seconds, bounds the job's stream readers
	ClientID   string         `json:"client_id"`
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
	TaskType  string `json:"task_type"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	if req.TaskType == "" {
		req.TaskType = "default"
	}
	timeout := s.cfg.StreamTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), clientKeyFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	id := uuid.New().String()
	if _, err := s.jobs.Create(id, req.Parameters, timeout); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if req.ClientID != "" {
		if err := s.sessions.Attach(req.ClientID, id); err != nil {
			s.jobs.Remove(id)
			status := http.StatusNotFound
			if errors.Is(err, registry.ErrSessionClosed) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
	}

	if err := s.runner.Start(id, req.TaskType); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     id,
		Status:    "started",
		StreamURL: "/stream/" + id,
		TaskType:  req.TaskType,
	})
}

func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, ok := s.jobs.Get(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.StreamTimeout
	}

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	telemetry.OpenStreams.Inc()
	defer telemetry.OpenStreams.Dec()

	reader := &stream.Reader{
		Slice: func(from int) []models.Event {
			if j, ok := s.jobs.Get(id); ok {
				return j.Log.Slice(from)
			}
			return nil
		},
		Valid:    func() bool { _, ok := s.jobs.Get(id); return ok },
		Terminal: func() bool { return s.jobs.IsCompleted(id) },
		Frame: func(ev models.Event) stream.Frame {
			name := models.FrameUpdate
			switch {
			case ev.Kind == models.KindError:
				name = models.FrameError
			case s.jobs.IsCompleted(id):
				name = models.FrameComplete
			}
			return stream.Frame{Event: name, Data: ev.Payload}
		},
		InvalidFrame: stream.Frame{Event: models.FrameError, Data: map[string]any{"error": "job not found"}},
		TimeoutFrame: stream.Frame{Event: models.FrameError, Data: map[string]any{"error": "stream timeout"}},
		PollInterval: s.cfg.StreamPollInterval,
		MaxDuration:  timeout,
	}
	_ = reader.Run(r.Context(), sse.WriteFrame)
}

type connectResponse struct {
	ClientID  string `json:"client_id"`
	StreamURL string `json:"stream_url"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := uuid.New().String()
	if _, err := s.sessions.Open(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{
		ClientID:  id,
		StreamURL: "/stream/client/" + id,
	})
}

func (s *Server) handleStreamSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clientID")
	if _, ok := s.sessions.Get(id); !ok {
		http.Error(w, "client session not found", http.StatusNotFound)
		return
	}

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.sessions.Touch(id)
	telemetry.OpenStreams.Inc()
	defer telemetry.OpenStreams.Dec()

	reader := &stream.Reader{
		Slice: func(from int) []models.Event {
			if sess, ok := s.sessions.Get(id); ok {
				return sess.Log.Slice(from)
			}
			return nil
		},
		Valid: func() bool { return s.sessions.IsActive(id) },
		Frame: func(ev models.Event) stream.Frame {
			return stream.Frame{Event: string(ev.Kind), Data: ev.Payload}
		},
		InvalidFrame: stream.Frame{Event: string(models.KindSessionClosed), Data: map[string]any{"message": "Client session closed"}},
		TimeoutFrame: stream.Frame{Event: string(models.KindSessionTimeout), Data: map[string]any{"message": "Session timed out"}},
		PollInterval: s.cfg.StreamPollInterval,
		MaxDuration:  s.cfg.SessionTimeout,
	}
	_ = reader.Run(r.Context(), sse.WriteFrame)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clientID")
	if err := s.sessions.Close(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "client_id": id})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	jobID := chi.URLParam(r, "jobID")
	if _, ok := s.jobs.Get(jobID); !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err := s.sessions.Attach(clientID, jobID); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, registry.ErrSessionClosed) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "attached", "client_id": clientID, "job_id": jobID})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	jobID := chi.URLParam(r, "jobID")
	if err := s.sessions.Detach(clientID, jobID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "detached", "client_id": clientID, "job_id": jobID})
}

func (s *Server) handleListClients(w http.ResponseWriter, _ *http.Request) {
	active := s.sessions.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_clients": active,
		"total":          len(active),
	})
}

func clientKeyFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
