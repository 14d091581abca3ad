package config

import (
	"slices"
	"time"

	"github.com/zombor/invoice-pipeline/internal/entity"
	"github.com/zombor/invoice-pipeline/internal/extraction"
	"github.com/zombor/invoice-pipeline/internal/ocr"
	"github.com/zombor/invoice-pipeline/internal/pipeline"
	"github.com/zombor/invoice-pipeline/internal/validation"
)

// ApplyDefaults sets default values for any zero values in r.
func ApplyDefaults(r *Rules) {
	applyOCRDefaults(&r.OCR, ocr.DefaultConfig())
	applyExtractionDefaults(&r.Extraction, extraction.DefaultConfig())
	applyEntityDefaults(&r.Entity, entity.DefaultConfig())
	applyValidationDefaults(&r.Validation, validation.DefaultConfig())
	applyPipelineDefaults(&r.Pipeline, pipeline.DefaultConfig())
}

func applyOCRDefaults(o *OCRRules, def ocr.Config) {
	if o.ConfidenceFloor == 0 {
		o.ConfidenceFloor = def.ConfidenceFloor
	}
}

func applyExtractionDefaults(e *ExtractionRules, def extraction.Config) {
	// weights given in the file are merged over the default table
	weights := make(map[string]float64, len(def.Weights)+len(e.Weights))
	for kind, w := range def.Weights {
		weights[string(kind)] = w
	}
	for name, w := range e.Weights {
		weights[name] = w
	}
	e.Weights = weights

	if e.DefaultWeight == 0 {
		e.DefaultWeight = def.DefaultWeight
	}
	if e.OutsideRegionFactor == 0 {
		e.OutsideRegionFactor = def.OutsideRegionFactor
	}
	if e.LineTolerance == 0 {
		e.LineTolerance = def.LineTolerance
	}
	if e.SegmentGap == 0 {
		e.SegmentGap = def.SegmentGap
	}
	if e.ColumnAlignment == 0 {
		e.ColumnAlignment = def.ColumnAlignment
	}
	if e.DefaultCurrency == "" {
		e.DefaultCurrency = def.DefaultCurrency
	}
}

func applyEntityDefaults(e *EntityRules, def entity.Config) {
	if e.Threshold == 0 {
		e.Threshold = def.Threshold
	}
	// zero is a valid retry count, so only unset takes the default
	if e.MaxConflictRetries == nil {
		n := def.MaxConflictRetries
		e.MaxConflictRetries = &n
	}
}

func applyValidationDefaults(v *ValidationRules, def validation.Config) {
	if v.Tolerance == 0 {
		v.Tolerance = def.Tolerance.Float()
	}
	if v.SubtotalTolerance == 0 {
		v.SubtotalTolerance = def.SubtotalTolerance.Float()
	}
	if v.MandatoryFields == nil {
		for _, kind := range def.MandatoryFields {
			v.MandatoryFields = append(v.MandatoryFields, string(kind))
		}
	}
	if v.MinTotal == 0 {
		v.MinTotal = def.MinTotal.Float()
	}
	if v.MaxTotal == 0 {
		v.MaxTotal = def.MaxTotal.Float()
	}
	if v.FutureWindow == 0 {
		v.FutureWindow = def.FutureWindow
	}
	if v.StaleWindow == 0 {
		v.StaleWindow = def.StaleWindow
	}
	if v.MaxTaxRate == 0 {
		v.MaxTaxRate = def.MaxTaxRate
	}
	if v.MaxLineItems == 0 {
		v.MaxLineItems = def.MaxLineItems
	}
	if v.Currencies == nil {
		v.Currencies = slices.Clone(def.Currencies)
	}
	if v.ConfidenceFloor == 0 {
		v.ConfidenceFloor = def.ConfidenceFloor
	}
	if v.SoftThreshold == 0 {
		v.SoftThreshold = def.SoftThreshold
	}
}

func applyPipelineDefaults(p *PipelineRules, def pipeline.Config) {
	if p.Workers == 0 {
		p.Workers = def.Workers
	}
	if p.MaxRetries == nil {
		n := def.MaxRetries
		p.MaxRetries = &n
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax == 0 {
		p.BackoffMax = def.BackoffMax
	}
	if p.StageTimeout == 0 {
		p.StageTimeout = def.StageTimeout
	}
	if p.StageTimeouts == nil {
		p.StageTimeouts = make(map[string]time.Duration, len(def.StageTimeouts))
		for stage, d := range def.StageTimeouts {
			p.StageTimeouts[string(stage)] = d
		}
	}
	if p.JobDeadline == 0 {
		p.JobDeadline = def.JobDeadline
	}
	if p.RequeueDelay == 0 {
		p.RequeueDelay = def.RequeueDelay
	}
}
