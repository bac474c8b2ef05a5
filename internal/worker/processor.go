package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sandbox-runner/internal/config"
	"sandbox-runner/internal/models"
	"sandbox-runner/internal/payload"
	"sandbox-runner/internal/policy"
	"sandbox-runner/internal/queue"
	"sandbox-runner/internal/sandbox"
	"sandbox-runner/internal/store"
	"sandbox-runner/internal/telemetry"
)

// Processor drives the execution worker pool. Each slot takes one job
// through its full lifecycle before dequeuing the next; the only blocking
// operations are the backend execution and store I/O.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    store.Store
	policies *policy.Store
	payloads payload.Store
	backend  sandbox.Backend
	logger   *slog.Logger
}

// NewProcessor wires the orchestrator's collaborators together.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st store.Store, pol *policy.Store, pay payload.Store, backend sandbox.Backend, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		policies: pol,
		payloads: pay,
		backend:  backend,
		logger:   logger,
	}
}

// Run reconciles orphaned jobs from a previous run, then processes jobs on
// WorkerSlots concurrent slots until the context is cancelled. No new work
// is accepted before reconciliation completes.
func (p *Processor) Run(ctx context.Context) error {
	orphans, err := p.store.ReconcileOrphans(ctx)
	if err != nil {
		return fmt.Errorf("reconcile orphans: %w", err)
	}
	if len(orphans) > 0 {
		telemetry.JobsOrphaned.Add(float64(len(orphans)))
		telemetry.JobsFailed.Add(float64(len(orphans)))
		p.logger.Warn("reconciled orphaned jobs", "count", len(orphans), "ids", orphans)
	}

	slots := p.cfg.WorkerSlots
	if slots <= 0 {
		slots = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.slot(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeeping(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// slot is one worker goroutine's dequeue loop.
func (p *Processor) slot(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval()):
			}
			continue
		}

		p.process(ctx, jobID)
	}
}

// housekeeping reclaims expired leases and keeps the queue depth gauge
// current.
func (p *Processor) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			p.logger.Warn("reclaimed expired leases", "ids", reclaimed)
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) pollInterval() time.Duration {
	if p.cfg.WorkerPollInterval > 0 {
		return p.cfg.WorkerPollInterval
	}
	return time.Second
}

// process takes one dequeued job from policy check to terminal state. Any
// fault that is not already a modeled outcome is caught here and recorded
// as failed; a job never stays stuck in running because of an unhandled
// error.
func (p *Processor) process(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			p.failInternal(ctx, jobID, fmt.Sprintf("panic: %v", r))
		}
		if err := p.queue.Ack(ctx, jobID); err != nil {
			p.logger.Warn("ack failed", "job_id", jobID, "error", err)
		}
	}()

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("dequeued unknown job", "job_id", jobID)
		return
	}
	if err != nil {
		p.failInternal(ctx, jobID, fmt.Sprintf("load job: %v", err))
		return
	}

	switch job.State {
	case models.StateQueued:
		// Normal path.
	case models.StateRunning:
		// Re-dequeued via an expired lease: the slot that was executing
		// this job is gone and so is its sandbox process.
		result := &models.Result{Allowed: true, ExitCode: -1, Reason: models.ReasonOrphaned}
		if _, err := p.store.Transition(ctx, jobID, models.StateFailed, result, "lease expired"); err == nil {
			telemetry.JobsOrphaned.Inc()
			telemetry.JobsFailed.Inc()
			p.logger.Warn("failed orphaned job from expired lease", "job_id", jobID)
		}
		return
	default:
		// Already terminal; nothing to do.
		return
	}

	if cancelled, _ := p.queue.CancelRequested(ctx, jobID); cancelled {
		result := &models.Result{Allowed: false, ExitCode: 1, Reason: models.ReasonCancelled}
		if _, err := p.store.Transition(ctx, jobID, models.StateRejected, result, ""); err == nil {
			telemetry.JobsRejected.Inc()
		}
		return
	}

	pol := p.policies.Snapshot()
	if !pol.Evaluate(job.Image) {
		result := &models.Result{Allowed: false, ExitCode: 1, Reason: models.ReasonNotAllowlisted}
		if _, err := p.store.Transition(ctx, jobID, models.StateRejected, result, ""); err != nil {
			p.logger.Error("record rejection", "job_id", jobID, "error", err)
			return
		}
		telemetry.JobsRejected.Inc()
		p.logger.Info("job rejected by policy", "job_id", jobID, "image", job.Image)
		return
	}

	if _, err := p.store.Transition(ctx, jobID, models.StateRunning, nil, ""); err != nil {
		p.logger.Error("record running", "job_id", jobID, "error", err)
		return
	}

	data, err := p.payloads.Fetch(ctx, job.PayloadRef)
	if err != nil {
		p.failInternal(ctx, jobID, fmt.Sprintf("fetch payload: %v", err))
		return
	}

	// Keep the queue lease alive for executions longer than the
	// visibility window.
	if lease := job.Limits.Timeout + p.cfg.SandboxGrace; lease > p.cfg.VisibilityTimeout {
		_ = p.queue.ExtendLease(ctx, jobID, lease)
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	go p.watchCancel(execCtx, jobID, cancelExec)

	telemetry.InFlightGauge.Inc()
	result := p.backend.Execute(execCtx, data, job.Image, job.Limits)
	telemetry.InFlightGauge.Dec()

	terminal := models.TerminalStateFor(result.Reason)
	if _, err := p.store.Transition(ctx, jobID, terminal, &result, ""); err != nil {
		p.logger.Error("record terminal state", "job_id", jobID, "state", terminal, "error", err)
		return
	}

	switch terminal {
	case models.StateSucceeded:
		telemetry.JobsSucceeded.Inc()
	case models.StateTimedOut:
		telemetry.JobsTimedOut.Inc()
	case models.StateRejected:
		telemetry.JobsRejected.Inc()
	default:
		telemetry.JobsFailed.Inc()
	}
	p.logger.Info("job finished", "job_id", jobID, "state", terminal, "reason", result.Reason, "exit_code", result.ExitCode)
}

// failInternal records an unmodeled fault as a terminal state, preserving
// the detail in the audit trail. A job still queued takes rejected (the
// only terminal state reachable from queued); one already running takes
// failed. Ack has removed the job from the queue, so leaving it non-terminal
// would strand it.
func (p *Processor) failInternal(ctx context.Context, jobID, detail string) {
	p.logger.Error("internal fault while processing job", "job_id", jobID, "detail", detail)
	to := models.StateFailed
	if job, err := p.store.GetJob(ctx, jobID); err == nil && job.State == models.StateQueued {
		to = models.StateRejected
	}
	result := &models.Result{Allowed: false, ExitCode: -1, Reason: models.ReasonInternalError}
	if _, err := p.store.Transition(ctx, jobID, to, result, detail); err != nil {
		p.logger.Error("failed to record internal fault", "job_id", jobID, "error", err)
		return
	}
	if to == models.StateRejected {
		telemetry.JobsRejected.Inc()
	} else {
		telemetry.JobsFailed.Inc()
	}
}

// watchCancel polls for a cancel marker while a job executes and tears the
// sandbox down by cancelling its context, which forces the timeout path.
func (p *Processor) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc) {
	interval := p.cfg.CancelPollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if cancelled, err := p.queue.CancelRequested(ctx, jobID); err == nil && cancelled {
			p.logger.Info("cancel requested for running job", "job_id", jobID)
			cancel()
			return
		}
	}
}
