package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/ocr"
	"github.com/zombor/invoice-pipeline/internal/store"
)

// Run requeues interrupted jobs and processes the queue with the worker
// pool until ctx is cancelled or the store is closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.Recover(ctx); err != nil {
		return err
	}

	workers := max(o.cfg.Workers, 1)
	slog.Info("Starting workers", "workers", workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			return o.work(ctx, i)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) work(ctx context.Context, worker int) error {
	for {
		jobID, err := o.Store.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, store.ErrQueueClosed) {
				return nil
			}
			return fmt.Errorf("worker %d: popping job: %w", worker, err)
		}

		if err := o.process(ctx, jobID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Processing job", "worker", worker, "job_id", jobID, "error", err)
			o.requeue(ctx, jobID)
		}
	}
}

// requeue puts a popped job back on the queue after RequeueDelay.
func (o *Orchestrator) requeue(ctx context.Context, jobID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.cfg.RequeueDelay):
	}
	if err := o.Store.Ack(ctx, jobID); err != nil {
		slog.Error("Acknowledging job", "job_id", jobID, "error", err)
		return
	}
	if err := o.Store.Push(ctx, jobID); err != nil {
		slog.Error("Requeueing job", "job_id", jobID, "error", err)
	}
}

// run is the worker-local state of one job. pages and cp are caches of
// what the document and the durable checkpoint hold.
type run struct {
	job     *invoice.Job
	doc     *invoice.Document
	pages   []ocr.Page
	cp      *checkpoint
	enhance bool
}

// process drives one job until it settles. A job whose document is already
// being processed goes back on the queue.
func (o *Orchestrator) process(ctx context.Context, jobID string) error {
	job, err := o.Store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Dropping queue entry for unknown job", "job_id", jobID)
		return o.Store.Ack(ctx, jobID)
	}
	if err != nil {
		return err
	}
	if job.State.Settled() {
		return o.Store.Ack(ctx, jobID)
	}

	unlock, ok := o.inflight.TryLock(job.DocumentID)
	if !ok {
		slog.Debug("Document in flight, requeueing", "job_id", jobID, "document_id", job.DocumentID)
		o.requeue(ctx, jobID)
		return nil
	}
	defer unlock()

	// the lock holder before us may have moved the job on
	if job, err = o.Store.GetJob(ctx, jobID); err != nil {
		return err
	}

	r := &run{job: job}
	for !r.job.State.Settled() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stopped, err := o.boundary(ctx, r); stopped || err != nil {
			if err != nil {
				return err
			}
			break
		}

		err := o.step(ctx, r)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.handleFailure(ctx, r, err); err != nil {
			return err
		}
	}
	return o.Store.Ack(ctx, jobID)
}

// boundary applies cancellation and the job deadline between stages.
func (o *Orchestrator) boundary(ctx context.Context, r *run) (bool, error) {
	job := r.job
	switch {
	case job.CancelRequested:
		return true, o.fail(ctx, r, invoice.OutcomeCancelled,
			invoice.NewError(invoice.KindCancelled, "processing was cancelled", nil))
	case o.cfg.JobDeadline > 0 && o.timeSource.Now().Sub(job.CreatedAt) > o.cfg.JobDeadline:
		return true, o.fail(ctx, r, invoice.OutcomeFailed,
			invoice.NewError(invoice.KindDeadlineExceeded, "job exceeded its deadline", nil))
	}
	return false, nil
}

// step runs the job's current stage under its deadline and durably records
// the transition to the next state.
func (o *Orchestrator) step(ctx context.Context, r *run) error {
	stage := r.job.State
	handler, ok := o.stage(stage)
	if !ok {
		return invoice.NewError(invoice.KindInternal, "job is in an unknown state", fmt.Errorf("no handler for state %q", stage))
	}

	start := o.timeSource.Now()
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.timeout(stage))
	out, err := handler(stageCtx, r)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return invoice.NewError(invoice.KindStageTimeout, "stage exceeded its deadline", err)
		}
		return err
	}
	if out.release != nil {
		defer out.release()
	}

	now := o.timeSource.Now()
	job := r.job
	prev := *job
	outcome := out.outcome
	if outcome == "" {
		outcome = invoice.OutcomeSuccess
	}
	job.State = out.next
	job.Attempts = 0
	job.UpdatedAt = now
	if out.next.Terminal() {
		job.FinishedAt = &now
	}
	if out.record != nil {
		job.RecordID = out.record.ID
		job.Confidence = out.record.Confidence
		job.Verdict = out.record.Verdict
		job.Violations = out.record.Violations
	}
	if out.fail != nil {
		job.ErrorKind = invoice.KindOf(out.fail)
		job.ErrorSummary = invoice.SummaryOf(out.fail)
	}

	t := store.Transition{
		Job: job,
		Entry: &invoice.AuditEntry{
			JobID:         job.ID,
			TenantID:      job.TenantID,
			Stage:         stage,
			NextState:     out.next,
			Timestamp:     now,
			InputSummary:  out.input,
			OutputSummary: out.output,
			Duration:      now.Sub(start),
			Outcome:       outcome,
			ErrorKind:     job.ErrorKind,
		},
		ClearCheckpoint: out.next.Terminal(),
		Record:          out.record,
	}
	if out.cp != nil && !out.next.Terminal() {
		data, err := out.cp.encode()
		if err != nil {
			*job = prev
			return err
		}
		t.Checkpoint = data
	}
	if err := o.Store.CommitTransition(ctx, t); err != nil {
		*job = prev
		return fmt.Errorf("committing %s transition: %w", stage, err)
	}
	if out.cp != nil {
		r.cp = out.cp
	}

	slog.Info("Stage complete",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"stage", stage,
		"next", out.next,
		"outcome", outcome,
		"duration", now.Sub(start))
	return nil
}

// handleFailure turns a stage error into a retry or a failed job.
func (o *Orchestrator) handleFailure(ctx context.Context, r *run, err error) error {
	job := r.job
	kind := invoice.KindOf(err)

	switch {
	case kind == invoice.KindTenantIsolation:
		o.raiseAlarm(ctx, job, err)
		return o.fail(ctx, r, invoice.OutcomeFailed, err)

	case kind == invoice.KindLowQualityInput && !r.enhance:
		// one extra attempt with enhanced preprocessing, outside MaxRetries
		r.enhance = true
		return o.retry(ctx, r, err, 0)

	case kind.Transient() && job.Attempts < o.cfg.MaxRetries:
		job.Attempts++
		return o.retry(ctx, r, err, o.cfg.backoff(job.Attempts))
	}
	return o.fail(ctx, r, invoice.OutcomeFailed, err)
}

func (o *Orchestrator) retry(ctx context.Context, r *run, cause error, wait time.Duration) error {
	job := r.job
	job.Retries++
	now := o.timeSource.Now()
	job.UpdatedAt = now

	t := store.Transition{
		Job: job,
		Entry: &invoice.AuditEntry{
			JobID:         job.ID,
			TenantID:      job.TenantID,
			Stage:         job.State,
			NextState:     job.State,
			Timestamp:     now,
			OutputSummary: invoice.SummaryOf(cause),
			Outcome:       invoice.OutcomeRetry,
			ErrorKind:     invoice.KindOf(cause),
		},
	}
	if err := o.Store.CommitTransition(ctx, t); err != nil {
		return fmt.Errorf("recording retry: %w", err)
	}

	slog.Warn("Stage failed, retrying",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"stage", job.State,
		"attempt", job.Attempts,
		"backoff", wait,
		"error", cause)

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// fail moves the job to failed, keeping only the error kind and summary.
func (o *Orchestrator) fail(ctx context.Context, r *run, outcome invoice.Outcome, cause error) error {
	job := r.job
	stage := job.State
	now := o.timeSource.Now()

	job.State = invoice.StateFailed
	job.ErrorKind = invoice.KindOf(cause)
	job.ErrorSummary = invoice.SummaryOf(cause)
	job.UpdatedAt = now
	job.FinishedAt = &now

	t := store.Transition{
		Job: job,
		Entry: &invoice.AuditEntry{
			JobID:         job.ID,
			TenantID:      job.TenantID,
			Stage:         stage,
			NextState:     invoice.StateFailed,
			Timestamp:     now,
			OutputSummary: job.ErrorSummary,
			Outcome:       outcome,
			ErrorKind:     job.ErrorKind,
		},
		ClearCheckpoint: true,
	}
	if err := o.Store.CommitTransition(ctx, t); err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}

	slog.Error("Job failed",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"stage", stage,
		"outcome", outcome,
		"error_kind", job.ErrorKind,
		"error", cause)
	return nil
}

func (o *Orchestrator) raiseAlarm(ctx context.Context, job *invoice.Job, err error) {
	slog.Log(ctx, LevelAlarm, "Tenant isolation violation",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"stage", job.State,
		"error", err)
	if o.alarm != nil {
		o.alarm(job, err)
	}
}
