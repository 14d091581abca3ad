package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"

	"github.com/zombor/invoice-pipeline/internal/entity"
	"github.com/zombor/invoice-pipeline/internal/extraction"
	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/keylock"
	"github.com/zombor/invoice-pipeline/internal/ocr"
	"github.com/zombor/invoice-pipeline/internal/store"
	"github.com/zombor/invoice-pipeline/internal/validation"
)

var (
	// ErrJobSettled is returned when cancelling a job automation is done with.
	ErrJobSettled = errors.New("job already settled")
	// ErrNotInReview is returned when reviewing a job that is not awaiting review.
	ErrNotInReview = errors.New("job is not awaiting review")
)

// LevelAlarm is the log level of conditions that must never happen.
const LevelAlarm = slog.LevelError + 4

// Store is the durable job state the orchestrator needs.
type Store interface {
	SaveDocument(ctx context.Context, doc *invoice.Document) error
	GetDocument(ctx context.Context, id string) (*invoice.Document, error)
	FindDocumentByHash(ctx context.Context, tenantID, hash string) (*invoice.Document, error)
	CreateJob(ctx context.Context, job *invoice.Job) error
	GetJob(ctx context.Context, id string) (*invoice.Job, error)
	RequestCancel(ctx context.Context, id string) (*invoice.Job, error)
	ActiveJobForDocument(ctx context.Context, documentID string) (*invoice.Job, error)
	ListJobs(ctx context.Context, states ...invoice.JobState) ([]*invoice.Job, error)
	CommitTransition(ctx context.Context, t store.Transition) error
	GetCheckpoint(ctx context.Context, jobID string) ([]byte, error)
	ListAudit(ctx context.Context, jobID string) ([]invoice.AuditEntry, error)
	GetInvoice(ctx context.Context, tenantID, id string) (*invoice.Record, error)
	ListInvoices(ctx context.Context, tenantID string) ([]*invoice.Record, error)
	Push(ctx context.Context, jobID string) error
	Pop(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	QueuedIDs(ctx context.Context) (map[string]bool, error)
	QueueLen(ctx context.Context) (int, error)
	GetEntity(ctx context.Context, tenantID string, kind invoice.EntityKind, id string) (*invoice.Entity, error)
	ListEntities(ctx context.Context, tenantID string, kind invoice.EntityKind) ([]*invoice.Entity, error)
	FindInvoiceByNumber(ctx context.Context, tenantID, companyID, number string) (*invoice.Record, error)
}

// Decoder turns document bytes into pages.
type Decoder func(data []byte, contentType string) ([]ocr.Page, error)

// Recognizer runs OCR over decoded pages.
type Recognizer interface {
	Recognize(ctx context.Context, pages []ocr.Page, opts ocr.Options) (*ocr.Recognition, error)
}

// Extractor recovers fields from a token stream.
type Extractor interface {
	Extract(tokens iter.Seq[invoice.Token]) *extraction.Result
}

// Resolver finds or creates the canonical entity for a party.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string, p invoice.Party) (*entity.Resolution, error)
}

// Validator classifies an assembled record and stores the verdict on it.
type Validator interface {
	Apply(rec *invoice.Record) validation.Report
}

// AlarmFunc receives tenant isolation violations.
type AlarmFunc func(job *invoice.Job, err error)

// Components are the collaborators a job runs through.
type Components struct {
	Store     Store
	Storage   store.Storage
	Decode    Decoder
	OCR       Recognizer
	Extractor Extractor
	Resolver  Resolver
	Validator Validator
}

// Orchestrator owns the job state machine and the worker pool.
type Orchestrator struct {
	Components
	cfg Config

	// inflight holds one lock per document being processed.
	inflight *keylock.Table
	// submits serializes submissions of identical content.
	submits *keylock.Table
	// numbers serializes the duplicate check and commit of records that
	// share an issuer and invoice number.
	numbers *keylock.Table
	alarm   AlarmFunc

	idGenerator invoice.IDGenerator
	timeSource  invoice.TimeSource
}

// New creates an Orchestrator with UUIDs and the system clock
func New(c Components, cfg Config) *Orchestrator {
	return NewWithDeps(c, cfg, invoice.UUIDGenerator{}, invoice.SystemClock{})
}

// NewWithDeps creates an Orchestrator with custom dependencies for testing
func NewWithDeps(c Components, cfg Config, idGen invoice.IDGenerator, timeSrc invoice.TimeSource) *Orchestrator {
	if c.Decode == nil {
		c.Decode = ocr.Decode
	}
	return &Orchestrator{
		Components:  c,
		cfg:         cfg,
		inflight:    keylock.New(),
		submits:     keylock.New(),
		numbers:     keylock.New(),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// OnAlarm registers a hook for tenant isolation violations.
func (o *Orchestrator) OnAlarm(fn AlarmFunc) {
	o.alarm = fn
}

// Submit ingests a document for a tenant and queues a job for it. Identical
// content already being processed for the tenant returns the existing job.
func (o *Orchestrator) Submit(ctx context.Context, tenantID, filename, contentType string, data []byte) (*invoice.Job, error) {
	if tenantID == "" {
		return nil, errors.New("tenant is required")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	unlock, err := o.submits.Lock(ctx, tenantID+"/"+hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := o.Store.FindDocumentByHash(ctx, tenantID, hash)
	switch {
	case err == nil:
		active, err := o.Store.ActiveJobForDocument(ctx, doc.ID)
		if err == nil {
			slog.Info("Duplicate submission", "tenant_id", tenantID, "document_id", doc.ID, "job_id", active.ID)
			return active, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("finding active job: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		doc, err = o.saveDocument(ctx, tenantID, filename, contentType, hash, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("finding document by hash: %w", err)
	}

	now := o.timeSource.Now()
	job := &invoice.Job{
		ID:         o.idGenerator.Generate(),
		TenantID:   tenantID,
		DocumentID: doc.ID,
		State:      invoice.StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.Store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	if err := o.Store.Push(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("queueing job: %w", err)
	}

	slog.Info("Submitted document", "tenant_id", tenantID, "document_id", doc.ID, "job_id", job.ID, "filename", filename)
	return job, nil
}

func (o *Orchestrator) saveDocument(ctx context.Context, tenantID, filename, contentType, hash string, data []byte) (*invoice.Document, error) {
	id := o.idGenerator.Generate()
	path, err := o.Storage.Save(filepath.Join(tenantID, id+filepath.Ext(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("storing document: %w", err)
	}

	doc := &invoice.Document{
		ID:          id,
		TenantID:    tenantID,
		Filename:    filename,
		ContentType: contentType,
		StoragePath: path,
		Hash:        hash,
		Size:        int64(len(data)),
		ReceivedAt:  o.timeSource.Now(),
	}
	if err := o.Store.SaveDocument(ctx, doc); err != nil {
		if derr := o.Storage.Delete(path); derr != nil {
			slog.Warn("Removing orphaned document content", "path", path, "error", derr)
		}
		return nil, fmt.Errorf("saving document: %w", err)
	}
	return doc, nil
}

// Status is the externally visible state of a job.
type Status struct {
	JobID        string              `json:"job_id"`
	TenantID     string              `json:"tenant_id"`
	DocumentID   string              `json:"document_id"`
	State        invoice.JobState    `json:"state"`
	Verdict      invoice.Verdict     `json:"verdict,omitempty"`
	Confidence   float64             `json:"confidence"`
	Violations   []invoice.Violation `json:"violations,omitempty"`
	ErrorKind    invoice.ErrorKind   `json:"error_kind,omitempty"`
	ErrorSummary string              `json:"error_summary,omitempty"`
	Retries      int                 `json:"retries"`
	RecordID     string              `json:"record_id,omitempty"`
}

// Status returns the current state of a job.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*Status, error) {
	job, err := o.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Status{
		JobID:        job.ID,
		TenantID:     job.TenantID,
		DocumentID:   job.DocumentID,
		State:        job.State,
		Verdict:      job.Verdict,
		Confidence:   job.Confidence,
		Violations:   job.Violations,
		ErrorKind:    job.ErrorKind,
		ErrorSummary: job.ErrorSummary,
		Retries:      job.Retries,
		RecordID:     job.RecordID,
	}, nil
}

// Audit returns a job's audit trail in append order.
func (o *Orchestrator) Audit(ctx context.Context, jobID string) ([]invoice.AuditEntry, error) {
	return o.Store.ListAudit(ctx, jobID)
}

// Invoices lists a tenant's invoice records.
func (o *Orchestrator) Invoices(ctx context.Context, tenantID string) ([]*invoice.Record, error) {
	return o.Store.ListInvoices(ctx, tenantID)
}

// Invoice returns one of a tenant's invoice records.
func (o *Orchestrator) Invoice(ctx context.Context, tenantID, recordID string) (*invoice.Record, error) {
	return o.Store.GetInvoice(ctx, tenantID, recordID)
}

// Entities lists a tenant's canonical companies or customers.
func (o *Orchestrator) Entities(ctx context.Context, tenantID string, kind invoice.EntityKind) ([]*invoice.Entity, error) {
	return o.Store.ListEntities(ctx, tenantID, kind)
}

// Entity returns one of a tenant's canonical entities.
func (o *Orchestrator) Entity(ctx context.Context, tenantID string, kind invoice.EntityKind, id string) (*invoice.Entity, error) {
	return o.Store.GetEntity(ctx, tenantID, kind, id)
}

// Cancel asks for a job to stop. The stage in progress finishes; the job
// fails with kind cancelled at the next stage boundary.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.Store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Settled() {
		return fmt.Errorf("cancelling job %s in state %s: %w", jobID, job.State, ErrJobSettled)
	}
	slog.Info("Cancel requested", "job_id", jobID, "tenant_id", job.TenantID, "state", job.State)
	return nil
}

// Recover queues every unsettled job that is neither queued nor in flight,
// so jobs interrupted by a crash resume from their recorded stage.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.Store.ListJobs(ctx,
		invoice.StatePending,
		invoice.StateOCRRunning,
		invoice.StateExtracting,
		invoice.StateResolving,
		invoice.StateValidating,
	)
	if err != nil {
		return 0, fmt.Errorf("listing unsettled jobs: %w", err)
	}
	queued, err := o.Store.QueuedIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing queued jobs: %w", err)
	}

	n := 0
	for _, job := range jobs {
		if queued[job.ID] {
			continue
		}
		if err := o.Store.Push(ctx, job.ID); err != nil {
			return n, fmt.Errorf("requeueing job %s: %w", job.ID, err)
		}
		n++
		slog.Info("Requeued interrupted job", "job_id", job.ID, "tenant_id", job.TenantID, "state", job.State)
	}

	depth, err := o.Store.QueueLen(ctx)
	if err != nil {
		return n, fmt.Errorf("measuring queue: %w", err)
	}
	slog.Info("Recovery finished", "requeued", n, "queued", depth)
	return n, nil
}
