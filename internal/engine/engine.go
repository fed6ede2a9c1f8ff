// Package engine implements the adaptive two-phase report execution engine:
// complexity and readiness analysis, strategy and mode selection under load,
// pipeline execution with bounded fan-out, and the multi-tier recovery chain.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/reportforge/engine/internal/progress"
	"github.com/reportforge/engine/internal/store"
	"github.com/reportforge/engine/pkg/models"
)

// Locker grants exclusive execution of a job.
type Locker interface {
	Acquire(ctx context.Context, jobID uuid.UUID, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID uuid.UUID, token string) error
}

// Config tunes the engine's run loop.
type Config struct {
	MaxRetryAttempts int
	Mode             ModeConfig
	LockTTL          time.Duration
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts: 3,
		Mode: ModeConfig{
			EnablePartialAnalysis: true,
			EnableRecovery:        true,
		},
		LockTTL: 2 * time.Hour,
	}
}

// Engine coordinates one job execution end to end. It owns all concurrency
// internally: callers hand it a job ID and get a terminal status back.
type Engine struct {
	store     store.Store
	progress  progress.Store
	readiness *ReadinessAnalyzer
	monitor   *LoadMonitor
	pipeline  *Pipeline
	recovery  *RecoveryManager
	locker    Locker
	emitter   Emitter
	cfg       Config
	now       func() time.Time

	active atomic.Int64

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// New creates an engine. The monitor's active-task count should be wired to
// ActiveTasks so strategy selection sees in-flight work.
func New(st store.Store, prog progress.Store, readiness *ReadinessAnalyzer,
	monitor *LoadMonitor, pipeline *Pipeline, recovery *RecoveryManager,
	locker Locker, emitter Emitter, cfg Config) *Engine {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	if emitter == nil {
		emitter = LogEmitter{}
	}
	return &Engine{
		store:     st,
		progress:  prog,
		readiness: readiness,
		monitor:   monitor,
		pipeline:  pipeline,
		recovery:  recovery,
		locker:    locker,
		emitter:   emitter,
		cfg:       cfg,
		now:       time.Now,
		cancels:   map[uuid.UUID]context.CancelFunc{},
	}
}

// ActiveTasks reports how many jobs this engine is executing right now.
func (e *Engine) ActiveTasks() int {
	return int(e.active.Load())
}

// Cancel aborts a running job. All outstanding sub-task operations observe
// the cancellation through their context; partial results are discarded.
func (e *Engine) Cancel(jobID uuid.UUID) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Run executes one job to a terminal state. A trigger for a job that is
// already running, already finished, or disabled is a logged no-op —
// duplicate scheduler ticks and redelivered queue messages must never start
// a second execution.
func (e *Engine) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	if !job.Enabled {
		slog.Info("skipping disabled job", "job_id", job.ID)
		return nil
	}

	// Terminal jobs are never reused. The queue is at-least-once, so a
	// redelivered message for a completed or cancelled job must be a no-op.
	if job.IsTerminal() {
		slog.Info("skipping finished job", "job_id", job.ID, "status", job.Status)
		return nil
	}

	token := uuid.NewString()
	acquired, err := e.locker.Acquire(ctx, job.ID, token, e.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		slog.Info("job already running, ignoring duplicate trigger", "job_id", job.ID)
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.locker.Release(releaseCtx, job.ID, token); err != nil {
			slog.Warn("releasing run lock failed", "job_id", job.ID, "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancels[job.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, job.ID)
		e.mu.Unlock()
	}()

	e.active.Add(1)
	defer e.active.Add(-1)

	return e.run(runCtx, job)
}

func (e *Engine) run(ctx context.Context, job *models.Job) error {
	started := e.now().UTC()
	e.transition(ctx, job.ID, models.JobStatusRunning, 5, "execution started",
		store.WithStartedAt(started))

	readiness, analyses, err := e.readiness.Analyze(ctx, job.TemplateID, 0)
	if err != nil {
		// Readiness is computed from our own store; failing to read it is not
		// recoverable by re-running the pipeline.
		return e.fail(ctx, job, nil, fmt.Errorf("readiness analysis: %w", err), started)
	}

	complexity := AnalyzeComplexity(analyses)
	mode := SelectMode(readiness, job.ForceFull, nil, e.cfg.Mode)

	slog.Info("job planned",
		"job_id", job.ID,
		"mode", mode,
		"complexity", complexity.Level,
		"completion", fmt.Sprintf("%.2f", readiness.CompletionRatio()))

	var lastErr error
	var lastResult *PipelineResult

	retryWait := backoff.NewExponentialBackOff()
	retryWait.InitialInterval = 2 * time.Second
	retryWait.Multiplier = 2
	retryWait.RandomizationFactor = 0
	retryWait.MaxInterval = 5 * time.Minute

	for attempt := 0; attempt <= e.cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff (2^attempt seconds) before retrying, only
			// reached for temporary failures.
			wait := retryWait.NextBackOff()
			select {
			case <-ctx.Done():
				return e.cancelled(job)
			case <-time.After(wait):
			}

			if err := e.store.IncrementJobRetry(ctx, job.ID); err != nil {
				slog.Warn("incrementing retry count failed", "job_id", job.ID, "error", err)
			}
			mode = SelectMode(readiness, false, lastErr, e.cfg.Mode)
			slog.Info("retrying job", "job_id", job.ID, "attempt", attempt, "mode", mode)
		}

		// Every attempt gets a fresh plan: load changes between attempts.
		load := e.monitor.Sample(ctx)
		strategy := SelectStrategy(complexity, load)
		plan := BuildPlan(job, strategy, e.now().UTC())

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, strategy.Timeout)
		result, err := e.executeGuarded(attemptCtx, job, plan, mode, lastErr)
		cancelAttempt()

		if ctx.Err() != nil {
			return e.cancelled(job)
		}

		if err == nil && result != nil && result.Success {
			return e.complete(ctx, job, plan, result, started)
		}

		lastErr = err
		lastResult = result
		if err == nil && result != nil {
			lastErr = result.Err
		}

		e.recordAttempt(ctx, job, mode, result, started, lastErr)

		if Classify(lastErr) != SeverityTemporary {
			break
		}
	}

	// Retry budget spent or failure not retryable: recovery is the
	// unconditional last resort.
	if e.cfg.Mode.EnableRecovery {
		e.transition(ctx, job.ID, models.JobStatusRunning, 90, "attempting recovery")
		recovered, err := e.recovery.Recover(ctx, job, lastErr)
		if err == nil && recovered != nil && recovered.Success {
			load := e.monitor.Sample(ctx)
			plan := BuildPlan(job, SelectStrategy(complexity, load), e.now().UTC())
			return e.complete(ctx, job, plan, recovered, started)
		}
		if recovered != nil {
			lastResult = recovered
			// A failed last-resort recovery is the terminal cause: fail must
			// see the exhaustion error, not the error that triggered recovery.
			if recovered.Err != nil {
				lastErr = recovered.Err
			}
		}
	}

	return e.fail(ctx, job, lastResult, lastErr, started)
}

// executeGuarded wraps one pipeline attempt with panic recovery so a bad
// collaborator response can never take down the worker.
func (e *Engine) executeGuarded(ctx context.Context, job *models.Job, plan models.ExecutionPlan, mode ExecutionMode, cause error) (result *PipelineResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during pipeline execution", "job_id", job.ID, "panic", r)
			result = nil
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return e.pipeline.Execute(ctx, job, plan, mode, cause)
}

func (e *Engine) complete(ctx context.Context, job *models.Job, plan models.ExecutionPlan, result *PipelineResult, started time.Time) error {
	finished := e.now().UTC()
	e.writeRecord(ctx, job, string(result.Mode), true, result.OutputPath, nil, started, finished)

	message := "report generated"
	if result.Degraded {
		message = "report generated (degraded recovery output)"
	}

	opts := []store.JobUpdateOption{store.WithCompletedAt(finished)}
	if result.OutputPath != "" {
		opts = append(opts, store.WithOutputPath(result.OutputPath))
	}
	e.transition(ctx, job.ID, models.JobStatusCompleted, 100, message, opts...)
	return nil
}

func (e *Engine) fail(ctx context.Context, job *models.Job, result *PipelineResult, cause error, started time.Time) error {
	finished := e.now().UTC()
	message := "execution failed"
	if cause != nil {
		message = fmt.Sprintf("execution failed: %v", cause)
	}

	metadata := map[string]string{}
	if result != nil && result.Recommendation != "" {
		metadata["recommendation"] = result.Recommendation
	}
	if errors.Is(cause, ErrRecoveryExhausted) {
		metadata["requires_manual_intervention"] = "true"
	}

	e.writeRecord(ctx, job, modeOf(result), false, "", cause, started, finished)

	opts := []store.JobUpdateOption{store.WithCompletedAt(finished)}
	if cause != nil {
		opts = append(opts, store.WithErrorMessage(cause.Error()))
	}
	if err := e.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, opts...); err != nil {
		slog.Error("marking job failed in store failed", "job_id", job.ID, "error", err)
	}

	if err := e.progress.Set(ctx, job.ID, models.ProgressRecord{
		Status:   models.JobStatusFailed,
		Progress: 100,
		Message:  message,
		Metadata: metadata,
	}); err != nil {
		slog.Warn("progress update dropped", "job_id", job.ID, "error", err)
	}
	e.emitter.Emit(ctx, Event{JobID: job.ID, Status: models.JobStatusFailed, Message: message, At: finished})

	if cause == nil {
		cause = ErrPhaseFailed
	}
	return cause
}

// cancelled marks the job terminal after its context was cancelled. Partial
// sub-task results are discarded; only the terminal status survives.
func (e *Engine) cancelled(job *models.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.transition(ctx, job.ID, models.JobStatusCancelled, 100, "execution cancelled",
		store.WithCompletedAt(e.now().UTC()))
	return context.Canceled
}

// transition updates the durable status, the progress record, and the event
// stream together. Progress and events are best-effort.
func (e *Engine) transition(ctx context.Context, jobID uuid.UUID, status string, pct int, message string, opts ...store.JobUpdateOption) {
	if err := e.store.UpdateJobStatus(ctx, jobID, status, opts...); err != nil {
		slog.Error("updating job status failed", "job_id", jobID, "status", status, "error", err)
	}
	if err := e.progress.Set(ctx, jobID, models.ProgressRecord{
		Status:   status,
		Progress: pct,
		Message:  message,
	}); err != nil {
		slog.Warn("progress update dropped", "job_id", jobID, "error", err)
	}
	e.emitter.Emit(ctx, Event{JobID: jobID, Status: status, Message: message, At: e.now().UTC()})
}

func (e *Engine) writeRecord(ctx context.Context, job *models.Job, mode string, success bool, outputPath string, cause error, started, finished time.Time) {
	rec := &models.ExecutionRecord{
		ID:         uuid.New(),
		JobID:      job.ID,
		TemplateID: job.TemplateID,
		Mode:       mode,
		Success:    success,
		DurationMS: finished.Sub(started).Milliseconds(),
		StartedAt:  started,
		FinishedAt: &finished,
	}
	if outputPath != "" {
		rec.OutputPath = &outputPath
	}
	if cause != nil {
		detail := cause.Error()
		rec.ErrorDetail = &detail
	}
	if err := e.store.CreateExecutionRecord(ctx, rec); err != nil {
		slog.Warn("writing execution record failed", "job_id", job.ID, "error", err)
	}
}

// recordAttempt logs a failed attempt's history row.
func (e *Engine) recordAttempt(ctx context.Context, job *models.Job, mode ExecutionMode, result *PipelineResult, started time.Time, cause error) {
	e.writeRecord(ctx, job, string(mode), false, "", cause, started, e.now().UTC())
	if result != nil {
		for _, phase := range result.Phases {
			slog.Info("phase finished",
				"job_id", job.ID,
				"phase", phase.Name,
				"success", phase.Success,
				"succeeded", phase.Succeeded,
				"failed", phase.Failed)
		}
	}
}

func modeOf(result *PipelineResult) string {
	if result == nil {
		return string(ModeFullPipeline)
	}
	return string(result.Mode)
}
