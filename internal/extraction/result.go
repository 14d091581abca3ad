package extraction

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

var (
	errRowShape        = errors.New("row does not have quantity, unit price and total columns")
	errMissingQuantity = errors.New("missing quantity")
)

// Candidate is an extracted, typed field value with provenance.
type Candidate struct {
	Kind       invoice.FieldKind `json:"kind"`
	Value      string            `json:"value"` // canonical form
	Raw        string            `json:"raw,omitempty"`
	Span       invoice.Span      `json:"span"`
	Confidence float64           `json:"confidence"`
	Rule       string            `json:"rule"`
}

// Ambiguity records an incompatible candidate that lost conflict resolution.
type Ambiguity struct {
	Kind               invoice.FieldKind `json:"kind"`
	Chosen             string            `json:"chosen"`
	ChosenConfidence   float64           `json:"chosen_confidence"`
	Rejected           string            `json:"rejected"`
	RejectedConfidence float64           `json:"rejected_confidence"`
	Tie                bool              `json:"tie,omitempty"`
}

// Result is the outcome of extraction over one document.
type Result struct {
	Fields      map[invoice.FieldKind]Candidate `json:"fields"`
	LineItems   []invoice.LineItem              `json:"line_items"`
	DroppedRows int                             `json:"dropped_rows,omitempty"`
	Missing     []invoice.FieldKind             `json:"missing,omitempty"`
	Ambiguities []Ambiguity                     `json:"ambiguities,omitempty"`
	Confidence  float64                         `json:"confidence"`
}

// Value returns the canonical value of a kind, or "" when it was not found.
func (r *Result) Value(kind invoice.FieldKind) string {
	return r.Fields[kind].Value
}

// Amount returns an amount-valued field.
func (r *Result) Amount(kind invoice.FieldKind) *invoice.Amount {
	c, ok := r.Fields[kind]
	if !ok {
		return nil
	}
	a, err := invoice.ParseAmount(c.Value)
	if err != nil {
		return nil
	}
	return &a
}

// Date returns a date-valued field.
func (r *Result) Date(kind invoice.FieldKind) *time.Time {
	c, ok := r.Fields[kind]
	if !ok {
		return nil
	}
	t, err := time.Parse(time.DateOnly, c.Value)
	if err != nil {
		return nil
	}
	return &t
}

// Party returns the extracted company or customer.
func (r *Result) Party(kind invoice.EntityKind) invoice.Party {
	if kind == invoice.EntityCompany {
		return invoice.Party{
			Kind:    kind,
			Name:    r.Value(invoice.FieldCompanyName),
			TaxID:   r.Value(invoice.FieldCompanyTaxID),
			Email:   r.Value(invoice.FieldCompanyEmail),
			Phone:   r.Value(invoice.FieldCompanyPhone),
			Website: r.Value(invoice.FieldCompanyWebsite),
			Address: r.Value(invoice.FieldCompanyAddress),
		}
	}
	return invoice.Party{
		Kind:    kind,
		Name:    r.Value(invoice.FieldCustomerName),
		Email:   r.Value(invoice.FieldCustomerEmail),
		Address: r.Value(invoice.FieldCustomerAddress),
	}
}

// Populate copies the extracted fields onto a record. Entity references are
// left to the resolver.
func (r *Result) Populate(rec *invoice.Record) {
	rec.InvoiceNumber = r.Value(invoice.FieldInvoiceNumber)
	rec.PONumber = r.Value(invoice.FieldPONumber)
	rec.PaymentTerms = r.Value(invoice.FieldPaymentTerms)
	rec.InvoiceDate = r.Date(invoice.FieldInvoiceDate)
	rec.DueDate = r.Date(invoice.FieldDueDate)
	rec.Currency = r.Value(invoice.FieldCurrency)
	rec.Subtotal = r.Amount(invoice.FieldSubtotal)
	rec.Tax = r.Amount(invoice.FieldTaxAmount)
	rec.Total = r.Amount(invoice.FieldTotalAmount)
	rec.TaxRate = nil
	if v := r.Value(invoice.FieldTaxRate); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rec.TaxRate = &f
		}
	}
	rec.LineItems = append([]invoice.LineItem(nil), r.LineItems...)
	rec.Confidence = r.Confidence
}

// Summary describes the result for the audit trail.
func (r *Result) Summary() string {
	return fmt.Sprintf("fields=%d line_items=%d dropped_rows=%d missing=%d ambiguities=%d confidence=%.2f",
		len(r.Fields), len(r.LineItems), r.DroppedRows, len(r.Missing), len(r.Ambiguities), r.Confidence)
}
