package invoice

import "time"

// JobState is a Processing Job's position in its state machine.
type JobState string

const (
	StatePending        JobState = "pending"
	StateOCRRunning     JobState = "ocr_running"
	StateExtracting     JobState = "extracting"
	StateResolving      JobState = "resolving"
	StateValidating     JobState = "validating"
	StateCompleted      JobState = "completed"
	StateFailed         JobState = "failed"
	StateRequiresReview JobState = "requires_review"
)

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Settled reports whether automation is finished with the job.
func (s JobState) Settled() bool {
	return s.Terminal() || s == StateRequiresReview
}

// Job tracks one document submission through the pipeline.
type Job struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	DocumentID      string      `json:"document_id"`
	State           JobState    `json:"state"`
	Attempts        int         `json:"attempts"` // attempts of the current stage
	Retries         int         `json:"retries"`  // retries across all stages
	ErrorKind       ErrorKind   `json:"error_kind,omitempty"`
	ErrorSummary    string      `json:"error_summary,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	RecordID        string      `json:"record_id,omitempty"`
	Verdict         Verdict     `json:"verdict,omitempty"`
	Confidence      float64     `json:"confidence"`
	Violations      []Violation `json:"violations,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// Outcome of a stage as recorded in the audit trail.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeReviewed  Outcome = "reviewed"
)

// AuditEntry is one append-only record of a stage transition.
type AuditEntry struct {
	Sequence      uint64        `json:"sequence"`
	JobID         string        `json:"job_id"`
	TenantID      string        `json:"tenant_id"`
	Stage         JobState      `json:"stage"`
	NextState     JobState      `json:"next_state"`
	Timestamp     time.Time     `json:"timestamp"`
	InputSummary  string        `json:"input_summary"`
	OutputSummary string        `json:"output_summary"`
	Duration      time.Duration `json:"duration"`
	Outcome       Outcome       `json:"outcome"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
}
