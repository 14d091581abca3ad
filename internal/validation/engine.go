package validation

import (
	"log/slog"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Report is the outcome of validating one record.
type Report struct {
	Verdict    invoice.Verdict     `json:"verdict"`
	Violations []invoice.Violation `json:"violations"`
}

// Has reports whether the report contains a violation of the rule.
func (r Report) Has(code string) bool {
	for _, v := range r.Violations {
		if v.Rule == code {
			return true
		}
	}
	return false
}

// Engine evaluates the rule catalogue. It holds no mutable state, so the
// same record always yields the same report.
type Engine struct {
	cfg   Config
	rules []Rule
}

// New creates an engine over the default rule catalogue.
func New(cfg Config) *Engine {
	return NewWithRules(cfg, Rules)
}

// NewWithRules creates an engine over a custom rule catalogue.
func NewWithRules(cfg Config, rules []Rule) *Engine {
	return &Engine{cfg: cfg, rules: rules}
}

// Validate classifies the record. The record is not modified; its
// ReceivedAt is the reference time for date rules.
func (e *Engine) Validate(rec *invoice.Record) Report {
	report := Report{Violations: make([]invoice.Violation, 0)}
	var hard, forced, soft int

	for _, rule := range e.rules {
		findings := rule.Check(&e.cfg, rec)
		slog.Debug("Validation rule evaluated", "record_id", rec.ID, "rule", rule.Code, "violations", len(findings))
		for _, f := range findings {
			report.Violations = append(report.Violations, invoice.Violation{
				Rule:     rule.Code,
				Category: rule.Category,
				Severity: rule.Severity,
				Message:  f.Message,
				Line:     f.Line,
			})
			switch rule.Severity {
			case invoice.SeverityHard:
				hard++
			case invoice.SeverityReview:
				forced++
			default:
				soft++
			}
		}
	}

	switch {
	case hard > 0:
		report.Verdict = invoice.VerdictRejected
	case forced > 0 || (e.cfg.SoftThreshold > 0 && soft >= e.cfg.SoftThreshold):
		report.Verdict = invoice.VerdictRequiresReview
	default:
		report.Verdict = invoice.VerdictAccepted
	}
	return report
}

// Apply validates rec and stores the verdict and violations on it.
func (e *Engine) Apply(rec *invoice.Record) Report {
	report := e.Validate(rec)
	rec.Verdict = report.Verdict
	rec.Violations = report.Violations
	return report
}
