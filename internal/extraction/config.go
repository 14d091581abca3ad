// Package extraction recovers typed invoice fields from an OCR token stream
// with ordered pattern rules and positional heuristics.
package extraction

import "github.com/zombor/invoice-pipeline/internal/invoice"

// Config holds the engine's immutable tunables.
type Config struct {
	// Weights of each field kind in the overall confidence. Kinds without an
	// entry use DefaultWeight.
	Weights       map[invoice.FieldKind]float64
	DefaultWeight float64

	// OutsideRegionFactor multiplies the confidence of a candidate found
	// outside the region its kind is expected in.
	OutsideRegionFactor float64

	// LineTolerance is how far, as a fraction of token height, vertical
	// centers may differ for tokens to share a line.
	LineTolerance float64

	// SegmentGap splits a line where the horizontal gap between tokens
	// exceeds this multiple of the line's median token height.
	SegmentGap float64

	// ColumnAlignment is the right-edge tolerance, as a fraction of page
	// width, for rows of a headerless table.
	ColumnAlignment float64

	// DefaultCurrency is assumed when the document names none.
	DefaultCurrency string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Weights: map[invoice.FieldKind]float64{
			invoice.FieldTotalAmount:   3,
			invoice.FieldInvoiceNumber: 2,
			invoice.FieldCompanyName:   2,
			invoice.FieldSubtotal:      1.5,
			invoice.FieldTaxAmount:     1.5,
			invoice.FieldInvoiceDate:   1.5,
			invoice.FieldLineItem:      1.5,
			invoice.FieldDueDate:       1,
			invoice.FieldCustomerName:  1,
			invoice.FieldCompanyTaxID:  1,
		},
		DefaultWeight:       0.5,
		OutsideRegionFactor: 0.85,
		LineTolerance:       0.5,
		SegmentGap:          2.5,
		ColumnAlignment:     0.03,
		DefaultCurrency:     "USD",
	}
}

func (c Config) weight(kind invoice.FieldKind) float64 {
	if w, ok := c.Weights[kind]; ok {
		return w
	}
	return c.DefaultWeight
}

// Kinds lists every field kind the engine reports on, in report order.
var Kinds = []invoice.FieldKind{
	invoice.FieldInvoiceNumber,
	invoice.FieldInvoiceDate,
	invoice.FieldDueDate,
	invoice.FieldTotalAmount,
	invoice.FieldSubtotal,
	invoice.FieldTaxAmount,
	invoice.FieldTaxRate,
	invoice.FieldCurrency,
	invoice.FieldCompanyName,
	invoice.FieldCompanyTaxID,
	invoice.FieldCompanyEmail,
	invoice.FieldCompanyAddress,
	invoice.FieldCompanyPhone,
	invoice.FieldCompanyWebsite,
	invoice.FieldCustomerName,
	invoice.FieldCustomerEmail,
	invoice.FieldCustomerAddress,
	invoice.FieldPONumber,
	invoice.FieldPaymentTerms,
	invoice.FieldLineItem,
}
