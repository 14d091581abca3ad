package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/store"
)

// ReviewDecision is a human's resolution of a job awaiting review.
type ReviewDecision struct {
	Approve bool
	// Corrected replaces the extracted record when set. Its identity and
	// tenant are taken from the original.
	Corrected *invoice.Record
	Reviewer  string
	Note      string
}

// Review settles a requires_review job. The record, corrected or not, is
// re-validated and stored; approval completes the job, anything else fails
// it.
func (o *Orchestrator) Review(ctx context.Context, jobID string, d ReviewDecision) (*invoice.Record, error) {
	job, err := o.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	unlock, err := o.inflight.Lock(ctx, job.DocumentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if job, err = o.Store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if job.State != invoice.StateRequiresReview {
		return nil, fmt.Errorf("reviewing job %s in state %s: %w", jobID, job.State, ErrNotInReview)
	}

	data, err := o.Store.GetCheckpoint(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading review record: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("loading review record: %w", err)
	}
	if cp.Record == nil {
		return nil, fmt.Errorf("job %s has no record to review", jobID)
	}

	original := cp.Record
	rec := original.Clone()
	if d.Corrected != nil {
		rec = d.Corrected.Clone()
		rec.ID = original.ID
		rec.TenantID = original.TenantID
		rec.DocumentID = original.DocumentID
		rec.JobID = original.JobID
		rec.ReceivedAt = original.ReceivedAt
		rec.CreatedAt = original.CreatedAt
	}

	dup, release, err := o.claimNumber(ctx, rec)
	if err != nil {
		return nil, err
	}
	defer release()
	rec.DuplicateOf = dup
	report := o.Validator.Apply(rec)
	if report.Has("tenant_mismatch") {
		err := invoice.NewError(invoice.KindTenantIsolation, "corrected record references another tenant's entity", nil)
		o.raiseAlarm(ctx, job, err)
		return nil, err
	}

	now := o.timeSource.Now()
	next := invoice.StateFailed
	if d.Approve {
		next = invoice.StateCompleted
	}
	rec.Status = next
	rec.UpdatedAt = now

	job.State = next
	job.Verdict = rec.Verdict
	job.Violations = rec.Violations
	job.Confidence = rec.Confidence
	job.UpdatedAt = now
	job.FinishedAt = &now
	if !d.Approve {
		job.ErrorKind = invoice.KindValidationRule
		job.ErrorSummary = "rejected in review"
	}

	t := store.Transition{
		Job: job,
		Entry: &invoice.AuditEntry{
			JobID:         job.ID,
			TenantID:      job.TenantID,
			Stage:         invoice.StateRequiresReview,
			NextState:     next,
			Timestamp:     now,
			InputSummary:  fmt.Sprintf("reviewer=%q corrected=%t", d.Reviewer, d.Corrected != nil),
			OutputSummary: fmt.Sprintf("approved=%t verdict=%s violations=%s note=%q", d.Approve, rec.Verdict, violationList(rec.Violations), d.Note),
			Outcome:       invoice.OutcomeReviewed,
			ErrorKind:     job.ErrorKind,
		},
		ClearCheckpoint: true,
		Record:          rec,
	}
	if err := o.Store.CommitTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("recording review: %w", err)
	}

	slog.Info("Job reviewed",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"reviewer", d.Reviewer,
		"approved", d.Approve,
		"verdict", rec.Verdict)
	return rec, nil
}
