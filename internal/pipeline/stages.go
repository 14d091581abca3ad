package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/entity"
	"github.com/zombor/invoice-pipeline/internal/extraction"
	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/ocr"
	"github.com/zombor/invoice-pipeline/internal/store"
)

// checkpoint is the durable output of the last completed stage. Each stage
// keeps only what the stages after it read.
type checkpoint struct {
	Recognition *ocr.Recognition   `json:"recognition,omitempty"`
	Extraction  *extraction.Result `json:"extraction,omitempty"`
	Record      *invoice.Record    `json:"record,omitempty"`
}

func (c *checkpoint) encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling checkpoint: %w", err)
	}
	return data, nil
}

type stageOutput struct {
	next    invoice.JobState
	input   string
	output  string
	cp      *checkpoint
	record  *invoice.Record
	outcome invoice.Outcome
	fail    error  // why a stage that completed moved the job to failed
	release func() // runs once the transition is committed
}

type stageFunc func(ctx context.Context, r *run) (*stageOutput, error)

func (o *Orchestrator) stage(state invoice.JobState) (stageFunc, bool) {
	switch state {
	case invoice.StatePending:
		return o.admit, true
	case invoice.StateOCRRunning:
		return o.recognize, true
	case invoice.StateExtracting:
		return o.extract, true
	case invoice.StateResolving:
		return o.resolve, true
	case invoice.StateValidating:
		return o.validate, true
	}
	return nil, false
}

func (o *Orchestrator) loadDocument(ctx context.Context, r *run) (*invoice.Document, error) {
	if r.doc != nil {
		return r.doc, nil
	}
	doc, err := o.Store.GetDocument(ctx, r.job.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invoice.NewError(invoice.KindUnreadableDocument, "document is missing", err)
		}
		return nil, fmt.Errorf("loading document: %w", err)
	}
	if doc.TenantID != r.job.TenantID {
		return nil, invoice.NewError(invoice.KindTenantIsolation, "document belongs to another tenant",
			fmt.Errorf("document %s tenant %q, job tenant %q", doc.ID, doc.TenantID, r.job.TenantID))
	}
	r.doc = doc
	return doc, nil
}

func (o *Orchestrator) loadPages(ctx context.Context, r *run) ([]ocr.Page, error) {
	if r.pages != nil {
		return r.pages, nil
	}
	doc, err := o.loadDocument(ctx, r)
	if err != nil {
		return nil, err
	}
	data, err := o.Storage.Get(doc.StoragePath)
	if err != nil {
		return nil, invoice.NewError(invoice.KindUnreadableDocument, "document content is unavailable", err)
	}
	pages, err := o.Decode(data, doc.ContentType)
	if err != nil {
		return nil, err
	}
	r.pages = pages
	return pages, nil
}

func (o *Orchestrator) loadCheckpoint(ctx context.Context, r *run) (*checkpoint, error) {
	if r.cp != nil {
		return r.cp, nil
	}
	data, err := o.Store.GetCheckpoint(ctx, r.job.ID)
	if err != nil {
		return nil, invoice.NewError(invoice.KindInternal, "stage checkpoint is missing", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, invoice.NewError(invoice.KindInternal, "stage checkpoint is corrupt", err)
	}
	r.cp = &cp
	return &cp, nil
}

// admit checks that the document decodes before any OCR work is scheduled.
func (o *Orchestrator) admit(ctx context.Context, r *run) (*stageOutput, error) {
	pages, err := o.loadPages(ctx, r)
	if err != nil {
		return nil, err
	}
	return &stageOutput{
		next:   invoice.StateOCRRunning,
		input:  fmt.Sprintf("document=%s content_type=%s size=%d", r.doc.ID, r.doc.ContentType, r.doc.Size),
		output: fmt.Sprintf("pages=%d", len(pages)),
	}, nil
}

func (o *Orchestrator) recognize(ctx context.Context, r *run) (*stageOutput, error) {
	pages, err := o.loadPages(ctx, r)
	if err != nil {
		return nil, err
	}
	rec, err := o.OCR.Recognize(ctx, pages, ocr.Options{Enhance: r.enhance})
	if err != nil {
		return nil, err
	}
	return &stageOutput{
		next:   invoice.StateExtracting,
		input:  fmt.Sprintf("pages=%d enhance=%t", len(pages), r.enhance),
		output: rec.Summary(),
		cp:     &checkpoint{Recognition: rec},
	}, nil
}

func (o *Orchestrator) extract(ctx context.Context, r *run) (*stageOutput, error) {
	cp, err := o.loadCheckpoint(ctx, r)
	if err != nil {
		return nil, err
	}
	if cp.Recognition == nil {
		return nil, invoice.NewError(invoice.KindInternal, "stage checkpoint is missing", errors.New("no recognition in checkpoint"))
	}

	res := o.Extractor.Extract(cp.Recognition.Stream())
	for _, a := range res.Ambiguities {
		slog.Debug("Extraction ambiguity resolved",
			"job_id", r.job.ID,
			"kind", a.Kind,
			"chosen", a.Chosen,
			"rejected", a.Rejected,
			"tie", a.Tie)
	}
	r.pages = nil

	return &stageOutput{
		next:   invoice.StateResolving,
		input:  fmt.Sprintf("tokens=%d", len(cp.Recognition.Tokens)),
		output: res.Summary(),
		cp:     &checkpoint{Extraction: res},
	}, nil
}

func (o *Orchestrator) resolve(ctx context.Context, r *run) (*stageOutput, error) {
	cp, err := o.loadCheckpoint(ctx, r)
	if err != nil {
		return nil, err
	}
	if cp.Extraction == nil {
		return nil, invoice.NewError(invoice.KindInternal, "stage checkpoint is missing", errors.New("no extraction in checkpoint"))
	}
	doc, err := o.loadDocument(ctx, r)
	if err != nil {
		return nil, err
	}

	now := o.timeSource.Now()
	rec := &invoice.Record{
		ID:         o.idGenerator.Generate(),
		TenantID:   r.job.TenantID,
		DocumentID: r.job.DocumentID,
		JobID:      r.job.ID,
		ReceivedAt: doc.ReceivedAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	cp.Extraction.Populate(rec)

	company := cp.Extraction.Party(invoice.EntityCompany)
	customer := cp.Extraction.Party(invoice.EntityCustomer)
	if rec.Company, err = o.resolveParty(ctx, r.job.TenantID, company); err != nil {
		return nil, err
	}
	if rec.Customer, err = o.resolveParty(ctx, r.job.TenantID, customer); err != nil {
		return nil, err
	}

	return &stageOutput{
		next:   invoice.StateValidating,
		input:  fmt.Sprintf("company=%q customer=%q", company.Name, customer.Name),
		output: fmt.Sprintf("company=%s customer=%s", describeRef(rec.Company), describeRef(rec.Customer)),
		cp:     &checkpoint{Record: rec},
	}, nil
}

func (o *Orchestrator) resolveParty(ctx context.Context, tenantID string, p invoice.Party) (*invoice.EntityRef, error) {
	res, err := o.Resolver.Resolve(ctx, tenantID, p)
	if err != nil || res == nil {
		return nil, err
	}
	return refTo(res), nil
}

func refTo(res *entity.Resolution) *invoice.EntityRef {
	return &invoice.EntityRef{
		ID:         res.Entity.ID,
		TenantID:   res.Entity.TenantID,
		Name:       res.Entity.Name,
		Created:    res.Created,
		Confidence: res.Confidence,
	}
}

func describeRef(ref *invoice.EntityRef) string {
	if ref == nil {
		return "none"
	}
	if ref.Created {
		return ref.ID + "(created)"
	}
	return fmt.Sprintf("%s(%.2f)", ref.ID, ref.Confidence)
}

func (o *Orchestrator) validate(ctx context.Context, r *run) (*stageOutput, error) {
	cp, err := o.loadCheckpoint(ctx, r)
	if err != nil {
		return nil, err
	}
	if cp.Record == nil {
		return nil, invoice.NewError(invoice.KindInternal, "stage checkpoint is missing", errors.New("no record in checkpoint"))
	}

	rec := cp.Record.Clone()
	dup, release, err := o.claimNumber(ctx, rec)
	if err != nil {
		return nil, err
	}
	rec.DuplicateOf = dup
	report := o.Validator.Apply(rec)
	if report.Has("tenant_mismatch") {
		release()
		return nil, invoice.NewError(invoice.KindTenantIsolation, "record references another tenant's entity",
			fmt.Errorf("record %s failed tenant_mismatch", rec.ID))
	}
	rec.UpdatedAt = o.timeSource.Now()

	out := &stageOutput{
		input:   fmt.Sprintf("record=%s confidence=%.2f", rec.ID, rec.Confidence),
		output:  fmt.Sprintf("verdict=%s violations=%s", report.Verdict, violationList(report.Violations)),
		record:  rec,
		release: release,
	}
	switch report.Verdict {
	case invoice.VerdictAccepted:
		out.next = invoice.StateCompleted
	case invoice.VerdictRequiresReview:
		out.next = invoice.StateRequiresReview
		out.cp = &checkpoint{Record: rec}
	default:
		out.next = invoice.StateFailed
		out.outcome = invoice.OutcomeFailed
		out.fail = invoice.NewError(invoice.KindValidationRule, "rejected by validation", nil)
	}
	rec.Status = out.next

	slog.Info("Record validated",
		"job_id", r.job.ID,
		"tenant_id", r.job.TenantID,
		"record_id", rec.ID,
		"verdict", report.Verdict,
		"violations", len(report.Violations))
	return out, nil
}

// claimNumber locks the record's issuer and invoice number and returns
// the ID of an earlier record of the tenant carrying both. The lock is
// held until release is called.
func (o *Orchestrator) claimNumber(ctx context.Context, rec *invoice.Record) (string, func(), error) {
	if rec.Company == nil || rec.Company.ID == "" || rec.InvoiceNumber == "" {
		return "", func() {}, nil
	}
	key := rec.TenantID + "|" + rec.Company.ID + "|" + strings.ToUpper(strings.TrimSpace(rec.InvoiceNumber))
	release, err := o.numbers.Lock(ctx, key)
	if err != nil {
		return "", nil, fmt.Errorf("waiting for invoice number lock: %w", err)
	}

	prior, err := o.Store.FindInvoiceByNumber(ctx, rec.TenantID, rec.Company.ID, rec.InvoiceNumber)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", release, nil
	case err != nil:
		release()
		return "", nil, fmt.Errorf("looking up invoice number: %w", err)
	case prior.ID == rec.ID:
		return "", release, nil
	}
	slog.Info("Invoice number already recorded",
		"tenant_id", rec.TenantID,
		"record_id", rec.ID,
		"duplicate_of", prior.ID,
		"invoice_number", rec.InvoiceNumber)
	return prior.ID, release, nil
}

func violationList(vs []invoice.Violation) string {
	if len(vs) == 0 {
		return "none"
	}
	codes := make([]string, 0, len(vs))
	for _, v := range vs {
		codes = append(codes, v.Rule)
	}
	return strings.Join(codes, ",")
}
