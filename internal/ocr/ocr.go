// Package ocr turns decoded document pages into OCR tokens.
package ocr

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Engine recognizes the words on one page.
type Engine interface {
	// Name identifies the engine in logs and audit summaries
	Name() string
	// Recognize returns the page's words with pixel boxes and 0..1 confidences
	Recognize(ctx context.Context, page Page) ([]invoice.Token, error)
	// Close releases engine resources
	Close() error
}

// Config holds the adapter's tunables.
type Config struct {
	// ConfidenceFloor is the minimum mean token confidence of an acceptable recognition.
	ConfidenceFloor float64
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{ConfidenceFloor: 0.5}
}

// Options control one recognition call.
type Options struct {
	// Enhance runs the enhanced preprocessing pipeline before recognition.
	Enhance bool
}

// Recognition is the outcome of recognizing every page of a document.
type Recognition struct {
	Engine         string          `json:"engine"`
	Pages          int             `json:"pages"`
	Tokens         []invoice.Token `json:"tokens"`
	MeanConfidence float64         `json:"mean_confidence"`
	HighConfidence int             `json:"high_confidence"`
	Enhanced       bool            `json:"enhanced"`
	LowQuality     bool            `json:"low_quality"`
}

// Stream returns the tokens in reading order as a sequence that can be
// consumed only once; ranging over it a second time yields nothing.
func (r *Recognition) Stream() iter.Seq[invoice.Token] {
	var used atomic.Bool
	tokens := r.Tokens
	return func(yield func(invoice.Token) bool) {
		if used.Swap(true) {
			return
		}
		for _, t := range tokens {
			if !yield(t) {
				return
			}
		}
	}
}

// Summary describes the recognition for the audit trail.
func (r *Recognition) Summary() string {
	s := fmt.Sprintf("engine=%s pages=%d tokens=%d mean_confidence=%.2f", r.Engine, r.Pages, len(r.Tokens), r.MeanConfidence)
	if r.Enhanced {
		s += " enhanced"
	}
	if r.LowQuality {
		s += " low_quality"
	}
	return s
}

// LowQualityError reports a recognition whose mean confidence is below the floor.
type LowQualityError struct {
	Recognition *Recognition
	Floor       float64
}

func (e *LowQualityError) Error() string {
	return fmt.Sprintf("mean token confidence %.2f below floor %.2f", e.Recognition.MeanConfidence, e.Floor)
}

// ErrorKind classifies the error as low quality input.
func (e *LowQualityError) ErrorKind() invoice.ErrorKind { return invoice.KindLowQualityInput }

// Adapter runs an Engine over document pages. It keeps no per-call state.
type Adapter struct {
	engine Engine
	cfg    Config
}

// NewAdapter creates an Adapter around engine.
func NewAdapter(engine Engine, cfg Config) *Adapter {
	return &Adapter{engine: engine, cfg: cfg}
}

// Recognize recognizes all pages. Without Enhance, a recognition below the
// confidence floor fails with a *LowQualityError. With Enhance the pages are
// preprocessed first and a result still below the floor is returned flagged
// LowQuality rather than failing.
func (a *Adapter) Recognize(ctx context.Context, pages []Page, opts Options) (*Recognition, error) {
	if len(pages) == 0 {
		return nil, invoice.NewError(invoice.KindUnreadableDocument, "document has no pages", nil)
	}

	rec := &Recognition{
		Engine:   a.engine.Name(),
		Pages:    len(pages),
		Tokens:   make([]invoice.Token, 0),
		Enhanced: opts.Enhance,
	}
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.Enhance {
			enhanced, err := page.Enhanced()
			if err != nil {
				return nil, fmt.Errorf("enhancing page %d: %w", page.Index, err)
			}
			page = enhanced
		}

		tokens, err := a.engine.Recognize(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("recognizing page %d with %s: %w", page.Index, a.engine.Name(), err)
		}
		for _, t := range tokens {
			t.Text = strings.TrimSpace(t.Text)
			if t.Text == "" {
				continue
			}
			t.Page = page.Index
			t.Confidence = min(max(t.Confidence, 0), 1)
			rec.Tokens = append(rec.Tokens, t)
		}
	}

	sort.SliceStable(rec.Tokens, func(i, j int) bool { return rec.Tokens[i].Before(rec.Tokens[j]) })

	var sum float64
	for _, t := range rec.Tokens {
		sum += t.Confidence
		if t.Confidence >= a.cfg.ConfidenceFloor {
			rec.HighConfidence++
		}
	}
	if len(rec.Tokens) > 0 {
		rec.MeanConfidence = sum / float64(len(rec.Tokens))
	}

	if rec.MeanConfidence < a.cfg.ConfidenceFloor {
		if !opts.Enhance {
			return nil, &LowQualityError{Recognition: rec, Floor: a.cfg.ConfidenceFloor}
		}
		rec.LowQuality = true
		slog.Warn("recognition below confidence floor after enhancement",
			"engine", rec.Engine,
			"mean_confidence", rec.MeanConfidence,
			"floor", a.cfg.ConfidenceFloor)
	}
	return rec, nil
}

// Close closes the underlying engine.
func (a *Adapter) Close() error {
	return a.engine.Close()
}
