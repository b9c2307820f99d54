package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"task-stream/internal/capture"
	"task-stream/internal/registry"
	"task-stream/internal/telemetry"
)

// Handler executes one job. It may report structured progress through the
// registry and raw text through the capture buffer; the returned map
// becomes the terminal completion payload.
type Handler func(ctx context.Context, job *registry.Job, out *capture.Buffer) (map[string]any, error)

// Runner executes submitted jobs, each in its own goroutine, and owns
// the capture monitor running alongside every execution. Failures inside
// a handler (errors and panics) become the job's terminal error event
// and are never re-thrown to stream readers.
type Runner struct {
	jobs            *registry.Jobs
	handlers        map[string]Handler
	defaultHandler  Handler
	captureInterval time.Duration

	// StepDelay paces the built-in simulated handlers. Tests shrink it.
	StepDelay time.Duration
}

func New(jobs *registry.Jobs, captureInterval time.Duration) *Runner {
	r := &Runner{
		jobs:            jobs,
		handlers:        make(map[string]Handler),
		captureInterval: captureInterval,
		StepDelay:       time.Second,
	}
	r.defaultHandler = r.handleDefault
	r.RegisterHandler("workflow_execution", r.handleWorkflowExecution)
	return r
}

// RegisterHandler binds a handler to a task type.
func (r *Runner) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	r.handlers[taskType] = handler
}

// Start launches the job's execution goroutine. The job must already
// exist in the registry.
func (r *Runner) Start(jobID, taskType string) error {
	job, ok := r.jobs.Get(jobID)
	if !ok {
		return fmt.Errorf("start job: %w", registry.ErrUnknownJob)
	}
	telemetry.JobsStarted.Inc()
	go r.run(job, taskType)
	return nil
}

func (r *Runner) run(job *registry.Job, taskType string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := capture.NewBuffer()
	monitor := capture.NewMonitor(buf, r.captureInterval, func(text string, total int) error {
		return r.jobs.AppendProgress(job.ID, map[string]any{
			"status":             "running",
			"output_type":        "command",
			"command_output":     text,
			"total_output_lines": total,
		})
	})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(ctx)
	}()

	result, err := r.invoke(ctx, job, buf, taskType)

	// Stop the monitor before the terminal event so the final drain is
	// always the last non-terminal append.
	cancel()
	<-monitorDone
	monitor.Flush()

	if err != nil {
		log.Printf("job %s failed: %v", job.ID, err)
		telemetry.JobsFailed.Inc()
		if cerr := r.jobs.Complete(job.ID, nil, err); cerr != nil {
			log.Printf("record failure for job %s: %v", job.ID, cerr)
		}
		return
	}
	telemetry.JobsCompleted.Inc()
	if cerr := r.jobs.Complete(job.ID, result, nil); cerr != nil {
		log.Printf("record completion for job %s: %v", job.ID, cerr)
	}
}

// invoke dispatches to the registered handler and traps panics at the
// execution boundary.
func (r *Runner) invoke(ctx context.Context, job *registry.Job, buf *capture.Buffer, taskType string) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("job execution panicked: %v", p)
		}
	}()
	handler, ok := r.handlers[taskType]
	if !ok {
		handler = r.defaultHandler
	}
	return handler(ctx, job, buf)
}

// handleDefault simulates a five-step streaming task, reporting one
// progress event per step.
func (r *Runner) handleDefault(ctx context.Context, job *registry.Job, _ *capture.Buffer) (map[string]any, error) {
	if fail, ok := job.Config["should_fail"].(bool); ok && fail {
		return nil, fmt.Errorf("simulated failure requested by config.should_fail")
	}

	const totalSteps = 5
	for step := 1; step <= totalSteps; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.StepDelay):
		}
		if err := r.jobs.AppendProgress(job.ID, map[string]any{
			"step":          step,
			"total_steps":   totalSteps,
			"status":        "processing",
			"progress":      float64(step) / totalSteps * 100,
			"current_state": fmt.Sprintf("Processing step %d/%d", step, totalSteps),
		}); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"status": "completed",
		"result": map[string]any{
			"processed":        true,
			"input_parameters": job.Config,
			"final_output":     "Streaming task completed successfully",
		},
	}, nil
}

// handleWorkflowExecution writes staged progress text into the capture
// buffer; the monitor republishes it as structured command output.
func (r *Runner) handleWorkflowExecution(ctx context.Context, job *registry.Job, buf *capture.Buffer) (map[string]any, error) {
	stages := []string{
		"Starting workflow execution...",
		"Initializing workflow components...",
		"Executing workflow logic...",
		"Workflow execution completed successfully!",
	}
	for _, stage := range stages {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.StepDelay):
		}
		fmt.Fprintln(buf.Stdout(), stage)
	}

	return map[string]any{
		"status":  "completed",
		"message": "Workflow execution completed",
		"inputs":  job.Config,
	}, nil
}
