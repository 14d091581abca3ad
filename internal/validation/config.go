// Package validation applies business rules to an assembled invoice record
// and classifies it as accepted, requires_review or rejected.
package validation

import (
	"time"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Config holds the business-rule parameters. It is read-only once passed
// to New.
type Config struct {
	// Tolerance is ε for subtotal + tax = total and per-line arithmetic.
	Tolerance invoice.Amount
	// SubtotalTolerance is the looser ε for the line items' sum against the subtotal.
	SubtotalTolerance invoice.Amount

	MandatoryFields []invoice.FieldKind

	MinTotal invoice.Amount
	MaxTotal invoice.Amount

	// FutureWindow is how far past the received time an invoice date may be.
	FutureWindow time.Duration
	// StaleWindow is how far before the received time an invoice date may be.
	StaleWindow time.Duration

	MaxTaxRate   float64 // percent
	MaxLineItems int
	Currencies   []string

	// ConfidenceFloor is the minimum aggregate extraction confidence.
	ConfidenceFloor float64

	// SoftThreshold is the number of soft violations that escalates to review.
	SoftThreshold int
}

// DefaultConfig returns the default rule parameters.
func DefaultConfig() Config {
	return Config{
		Tolerance:         1,
		SubtotalTolerance: 5,
		MandatoryFields: []invoice.FieldKind{
			invoice.FieldInvoiceNumber,
			invoice.FieldCompanyName,
			invoice.FieldTotalAmount,
		},
		MinTotal:        1,
		MaxTotal:        100_000_000,
		FutureWindow:    30 * 24 * time.Hour,
		StaleWindow:     2 * 365 * 24 * time.Hour,
		MaxTaxRate:      50,
		MaxLineItems:    100,
		Currencies:      []string{"USD", "EUR", "GBP", "JPY", "INR", "CAD", "AUD"},
		ConfidenceFloor: 0.6,
		SoftThreshold:   2,
	}
}
