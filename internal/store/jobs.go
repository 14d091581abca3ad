package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Transition is everything that must become durable together when a job
// leaves a stage: the job's new state, the audit entry, and the stage
// output needed to resume.
type Transition struct {
	Job             *invoice.Job
	Entry           *invoice.AuditEntry
	Checkpoint      []byte // nil keeps the existing checkpoint
	ClearCheckpoint bool
	Record          *invoice.Record // optional invoice upsert
}

// SaveDocument records an ingested document and indexes it by content hash.
func (b *BoltDB) SaveDocument(ctx context.Context, doc *invoice.Document) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket([]byte(documentsBucket)), doc.ID, doc); err != nil {
			return err
		}
		if doc.Hash == "" {
			return nil
		}
		hashes := tx.Bucket([]byte(documentHashesBucket))
		return hashes.Put([]byte(doc.TenantID+"/"+doc.Hash), []byte(doc.ID))
	})
}

// GetDocument retrieves a document by ID.
func (b *BoltDB) GetDocument(ctx context.Context, id string) (*invoice.Document, error) {
	var doc invoice.Document
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(documentsBucket)), id, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", id, err)
	}
	return &doc, nil
}

// FindDocumentByHash returns the tenant's document with the given content hash.
func (b *BoltDB) FindDocumentByHash(ctx context.Context, tenantID, hash string) (*invoice.Document, error) {
	var doc invoice.Document
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(documentHashesBucket)).Get([]byte(tenantID + "/" + hash))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket([]byte(documentsBucket)), string(id), &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// CreateJob stores a new job and marks it as the document's active job.
func (b *BoltDB) CreateJob(ctx context.Context, job *invoice.Job) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(jobsBucket))
		if jobs.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job %s: %w", job.ID, ErrDuplicateKey)
		}
		if err := putJSON(jobs, job.ID, job); err != nil {
			return err
		}
		return tx.Bucket([]byte(documentJobsBucket)).Put([]byte(job.DocumentID), []byte(job.ID))
	})
}

// GetJob retrieves a job by ID.
func (b *BoltDB) GetJob(ctx context.Context, id string) (*invoice.Job, error) {
	var job invoice.Job
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(jobsBucket)), id, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return &job, nil
}

// RequestCancel flags an unsettled job for cancellation and returns it.
// Settled jobs are returned unchanged.
func (b *BoltDB) RequestCancel(ctx context.Context, id string) (*invoice.Job, error) {
	var job invoice.Job
	err := b.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(jobsBucket))
		if err := getJSON(jobs, id, &job); err != nil {
			return err
		}
		if job.State.Settled() || job.CancelRequested {
			return nil
		}
		job.CancelRequested = true
		return putJSON(jobs, id, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return &job, nil
}

// ActiveJobForDocument returns the unsettled job currently attached to a document.
func (b *BoltDB) ActiveJobForDocument(ctx context.Context, documentID string) (*invoice.Job, error) {
	var job invoice.Job
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(documentJobsBucket)).Get([]byte(documentID))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket([]byte(jobsBucket)), string(id), &job)
	})
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, ErrNotFound
	}
	return &job, nil
}

// ListJobs returns all jobs, optionally only those in one of the given states.
func (b *BoltDB) ListJobs(ctx context.Context, states ...invoice.JobState) ([]*invoice.Job, error) {
	want := make(map[invoice.JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	jobs := make([]*invoice.Job, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(k, v []byte) error {
			var job invoice.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("unmarshaling job: %w", err)
			}
			if len(want) == 0 || want[job.State] {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// CommitTransition atomically persists a stage transition.
func (b *BoltDB) CommitTransition(ctx context.Context, t Transition) error {
	if t.Job == nil {
		return errors.New("transition without job")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(jobsBucket))
		var cur invoice.Job
		if err := getJSON(jobs, t.Job.ID, &cur); err == nil && cur.CancelRequested {
			// a cancel request may land while the stage runs
			t.Job.CancelRequested = true
		}
		if err := putJSON(jobs, t.Job.ID, t.Job); err != nil {
			return err
		}
		if t.Entry != nil {
			if err := appendAudit(tx, t.Entry); err != nil {
				return err
			}
		}

		checkpoints := tx.Bucket([]byte(checkpointsBucket))
		switch {
		case t.ClearCheckpoint:
			if err := checkpoints.Delete([]byte(t.Job.ID)); err != nil {
				return err
			}
		case t.Checkpoint != nil:
			if err := checkpoints.Put([]byte(t.Job.ID), t.Checkpoint); err != nil {
				return err
			}
		}

		if t.Record != nil {
			if t.Record.TenantID != t.Job.TenantID {
				return fmt.Errorf("record tenant %q differs from job tenant %q", t.Record.TenantID, t.Job.TenantID)
			}
			if err := putInvoice(tx, t.Record); err != nil {
				return err
			}
		}

		if t.Job.State.Terminal() {
			docJobs := tx.Bucket([]byte(documentJobsBucket))
			if cur := docJobs.Get([]byte(t.Job.DocumentID)); cur != nil && string(cur) == t.Job.ID {
				return docJobs.Delete([]byte(t.Job.DocumentID))
			}
		}
		return nil
	})
}

// GetCheckpoint returns the last durable stage output for a job.
func (b *BoltDB) GetCheckpoint(ctx context.Context, jobID string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(checkpointsBucket)).Get([]byte(jobID))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func appendAudit(tx *bbolt.Tx, entry *invoice.AuditEntry) error {
	trail, err := nested(tx.Bucket([]byte(auditBucket)), entry.JobID, true)
	if err != nil {
		return fmt.Errorf("creating audit bucket: %w", err)
	}
	seq, err := trail.NextSequence()
	if err != nil {
		return err
	}
	entry.Sequence = seq
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	return trail.Put(itob(seq), data)
}

// ListAudit returns a job's audit trail in append order.
func (b *BoltDB) ListAudit(ctx context.Context, jobID string) ([]invoice.AuditEntry, error) {
	entries := make([]invoice.AuditEntry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		trail := tx.Bucket([]byte(auditBucket)).Bucket([]byte(jobID))
		if trail == nil {
			return nil
		}
		return trail.ForEach(func(k, v []byte) error {
			var entry invoice.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling audit entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
