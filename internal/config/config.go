// Package config loads the business-rule file and turns it into the
// immutable configuration values of each pipeline component.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zombor/invoice-pipeline/internal/entity"
	"github.com/zombor/invoice-pipeline/internal/extraction"
	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/ocr"
	"github.com/zombor/invoice-pipeline/internal/pipeline"
	"github.com/zombor/invoice-pipeline/internal/validation"
)

// Rules holds every tunable business parameter. Zero values take defaults.
type Rules struct {
	OCR        OCRRules        `yaml:"ocr"`
	Extraction ExtractionRules `yaml:"extraction"`
	Entity     EntityRules     `yaml:"entity"`
	Validation ValidationRules `yaml:"validation"`
	Pipeline   PipelineRules   `yaml:"pipeline"`
}

// OCRRules holds recognition settings.
type OCRRules struct {
	ConfidenceFloor float64 `yaml:"confidence_floor"`
}

// ExtractionRules holds field extraction settings.
type ExtractionRules struct {
	Weights             map[string]float64 `yaml:"weights"`
	DefaultWeight       float64            `yaml:"default_weight"`
	OutsideRegionFactor float64            `yaml:"outside_region_factor"`
	LineTolerance       float64            `yaml:"line_tolerance"`
	SegmentGap          float64            `yaml:"segment_gap"`
	ColumnAlignment     float64            `yaml:"column_alignment"`
	DefaultCurrency     string             `yaml:"default_currency"`
}

// EntityRules holds entity matching settings.
type EntityRules struct {
	Threshold          float64 `yaml:"threshold"`
	MaxConflictRetries *int    `yaml:"max_conflict_retries"`
}

// ValidationRules holds business-rule parameters. Amounts are in currency
// units.
type ValidationRules struct {
	Tolerance         float64       `yaml:"tolerance"`
	SubtotalTolerance float64       `yaml:"subtotal_tolerance"`
	MandatoryFields   []string      `yaml:"mandatory_fields"`
	MinTotal          float64       `yaml:"min_total"`
	MaxTotal          float64       `yaml:"max_total"`
	FutureWindow      time.Duration `yaml:"future_window"`
	StaleWindow       time.Duration `yaml:"stale_window"`
	MaxTaxRate        float64       `yaml:"max_tax_rate"`
	MaxLineItems      int           `yaml:"max_line_items"`
	Currencies        []string      `yaml:"currencies"`
	ConfidenceFloor   float64       `yaml:"confidence_floor"`
	SoftThreshold     int           `yaml:"soft_threshold"`
}

// PipelineRules holds scheduling settings.
type PipelineRules struct {
	Workers       int                      `yaml:"workers"`
	MaxRetries    *int                     `yaml:"max_retries"`
	BackoffBase   time.Duration            `yaml:"backoff_base"`
	BackoffMax    time.Duration            `yaml:"backoff_max"`
	StageTimeout  time.Duration            `yaml:"stage_timeout"`
	StageTimeouts map[string]time.Duration `yaml:"stage_timeouts"`
	JobDeadline   time.Duration            `yaml:"job_deadline"`
	RequeueDelay  time.Duration            `yaml:"requeue_delay"`
}

// Load reads and parses the rules file at path, applies defaults and
// checks the result.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	ApplyDefaults(&r)
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules %s: %w", path, err)
	}
	return &r, nil
}

// Default returns the rules used when no file is given.
func Default() *Rules {
	var r Rules
	ApplyDefaults(&r)
	return &r
}

// Validate reports settings no component can work with.
func (r *Rules) Validate() error {
	var errs []error
	for name := range r.Extraction.Weights {
		if !slices.Contains(extraction.Kinds, invoice.FieldKind(name)) {
			errs = append(errs, fmt.Errorf("extraction.weights: unknown field kind %q", name))
		}
	}
	for _, name := range r.Validation.MandatoryFields {
		if !slices.Contains(extraction.Kinds, invoice.FieldKind(name)) {
			errs = append(errs, fmt.Errorf("validation.mandatory_fields: unknown field kind %q", name))
		}
	}
	for name := range r.Pipeline.StageTimeouts {
		if !slices.Contains(stages, invoice.JobState(name)) {
			errs = append(errs, fmt.Errorf("pipeline.stage_timeouts: unknown stage %q", name))
		}
	}
	if r.Entity.Threshold <= 0 || r.Entity.Threshold > 1 {
		errs = append(errs, fmt.Errorf("entity.threshold: %v is outside (0, 1]", r.Entity.Threshold))
	}
	if r.Validation.MinTotal > r.Validation.MaxTotal {
		errs = append(errs, fmt.Errorf("validation: min_total %v exceeds max_total %v", r.Validation.MinTotal, r.Validation.MaxTotal))
	}
	if r.Pipeline.BackoffBase > r.Pipeline.BackoffMax {
		errs = append(errs, fmt.Errorf("pipeline: backoff_base %s exceeds backoff_max %s", r.Pipeline.BackoffBase, r.Pipeline.BackoffMax))
	}
	return errors.Join(errs...)
}

// stages are the job states that run a stage and so may carry a deadline.
var stages = []invoice.JobState{
	invoice.StatePending,
	invoice.StateOCRRunning,
	invoice.StateExtracting,
	invoice.StateResolving,
	invoice.StateValidating,
}

// OCRConfig returns the OCR adapter configuration.
func (r *Rules) OCRConfig() ocr.Config {
	return ocr.Config{ConfidenceFloor: r.OCR.ConfidenceFloor}
}

// ExtractionConfig returns the extraction engine configuration.
func (r *Rules) ExtractionConfig() extraction.Config {
	e := r.Extraction
	weights := make(map[invoice.FieldKind]float64, len(e.Weights))
	for name, w := range e.Weights {
		weights[invoice.FieldKind(name)] = w
	}
	return extraction.Config{
		Weights:             weights,
		DefaultWeight:       e.DefaultWeight,
		OutsideRegionFactor: e.OutsideRegionFactor,
		LineTolerance:       e.LineTolerance,
		SegmentGap:          e.SegmentGap,
		ColumnAlignment:     e.ColumnAlignment,
		DefaultCurrency:     e.DefaultCurrency,
	}
}

// EntityConfig returns the entity resolver configuration.
func (r *Rules) EntityConfig() entity.Config {
	return entity.Config{
		Threshold:          r.Entity.Threshold,
		MaxConflictRetries: *r.Entity.MaxConflictRetries,
	}
}

// ValidationConfig returns the validation engine configuration.
func (r *Rules) ValidationConfig() validation.Config {
	v := r.Validation
	mandatory := make([]invoice.FieldKind, 0, len(v.MandatoryFields))
	for _, name := range v.MandatoryFields {
		mandatory = append(mandatory, invoice.FieldKind(name))
	}
	return validation.Config{
		Tolerance:         invoice.FromFloat(v.Tolerance),
		SubtotalTolerance: invoice.FromFloat(v.SubtotalTolerance),
		MandatoryFields:   mandatory,
		MinTotal:          invoice.FromFloat(v.MinTotal),
		MaxTotal:          invoice.FromFloat(v.MaxTotal),
		FutureWindow:      v.FutureWindow,
		StaleWindow:       v.StaleWindow,
		MaxTaxRate:        v.MaxTaxRate,
		MaxLineItems:      v.MaxLineItems,
		Currencies:        slices.Clone(v.Currencies),
		ConfidenceFloor:   v.ConfidenceFloor,
		SoftThreshold:     v.SoftThreshold,
	}
}

// PipelineConfig returns the orchestrator configuration.
func (r *Rules) PipelineConfig() pipeline.Config {
	p := r.Pipeline
	timeouts := make(map[invoice.JobState]time.Duration, len(p.StageTimeouts))
	for name, d := range p.StageTimeouts {
		timeouts[invoice.JobState(name)] = d
	}
	return pipeline.Config{
		Workers:       p.Workers,
		MaxRetries:    *p.MaxRetries,
		BackoffBase:   p.BackoffBase,
		BackoffMax:    p.BackoffMax,
		StageTimeout:  p.StageTimeout,
		StageTimeouts: timeouts,
		JobDeadline:   p.JobDeadline,
		RequeueDelay:  p.RequeueDelay,
	}
}
