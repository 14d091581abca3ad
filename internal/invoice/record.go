package invoice

import "time"

// FieldKind names a typed field recovered from a document.
type FieldKind string

const (
	FieldInvoiceNumber   FieldKind = "invoice_number"
	FieldInvoiceDate     FieldKind = "invoice_date"
	FieldDueDate         FieldKind = "due_date"
	FieldTotalAmount     FieldKind = "total_amount"
	FieldSubtotal        FieldKind = "subtotal"
	FieldTaxAmount       FieldKind = "tax_amount"
	FieldTaxRate         FieldKind = "tax_rate"
	FieldCurrency        FieldKind = "currency"
	FieldCompanyName     FieldKind = "company_name"
	FieldCompanyTaxID    FieldKind = "company_tax_id"
	FieldCompanyEmail    FieldKind = "company_email"
	FieldCompanyAddress  FieldKind = "company_address"
	FieldCompanyPhone    FieldKind = "company_phone"
	FieldCompanyWebsite  FieldKind = "company_website"
	FieldCustomerName    FieldKind = "customer_name"
	FieldCustomerEmail   FieldKind = "customer_email"
	FieldCustomerAddress FieldKind = "customer_address"
	FieldPONumber        FieldKind = "po_number"
	FieldPaymentTerms    FieldKind = "payment_terms"
	FieldLineItem        FieldKind = "line_item"
)

// Verdict is the Validation Engine's classification of a record.
type Verdict string

const (
	VerdictNone           Verdict = ""
	VerdictAccepted       Verdict = "accepted"
	VerdictRequiresReview Verdict = "requires_review"
	VerdictRejected       Verdict = "rejected"
)

// Severity classifies how a rule violation affects the verdict.
type Severity string

const (
	// SeveritySoft violations only escalate to review once enough accumulate.
	SeveritySoft Severity = "soft"
	// SeverityReview violations force at least requires_review.
	SeverityReview Severity = "review"
	// SeverityHard violations reject the record.
	SeverityHard Severity = "hard"
)

// Violation is a single failed validation rule.
type Violation struct {
	Rule     string   `json:"rule"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"` // 1-based line item number, when applicable
}

// LineItem is one billed row of an invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   Amount  `json:"unit_price"`
	TotalPrice  Amount  `json:"total_price"`
	Confidence  float64 `json:"confidence"`
}

// EntityRef links a record to a resolved company or customer.
type EntityRef struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	Name       string  `json:"name"`
	Created    bool    `json:"created"`
	Confidence float64 `json:"confidence"`
}

// Record is the structured invoice assembled from a document.
// Nil pointers mean the field was not found.
type Record struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	DocumentID    string      `json:"document_id"`
	JobID         string      `json:"job_id"`
	Company       *EntityRef  `json:"company,omitempty"`
	Customer      *EntityRef  `json:"customer,omitempty"`
	InvoiceNumber string      `json:"invoice_number,omitempty"`
	PONumber      string      `json:"po_number,omitempty"`
	PaymentTerms  string      `json:"payment_terms,omitempty"`
	InvoiceDate   *time.Time  `json:"invoice_date,omitempty"`
	DueDate       *time.Time  `json:"due_date,omitempty"`
	Currency      string      `json:"currency,omitempty"`
	LineItems     []LineItem  `json:"line_items"`
	Subtotal      *Amount     `json:"subtotal,omitempty"`
	Tax           *Amount     `json:"tax_amount,omitempty"`
	TaxRate       *float64    `json:"tax_rate,omitempty"`
	Total         *Amount     `json:"total_amount,omitempty"`
	Confidence    float64     `json:"confidence"`
	DuplicateOf   string      `json:"duplicate_of,omitempty"` // earlier record with the same issuer and number
	Verdict       Verdict     `json:"verdict,omitempty"`
	Violations    []Violation `json:"violations,omitempty"`
	Status        JobState    `json:"status"`
	ReceivedAt    time.Time   `json:"received_at"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Has reports whether the record carries a value for the given field kind.
func (r *Record) Has(kind FieldKind) bool {
	switch kind {
	case FieldInvoiceNumber:
		return r.InvoiceNumber != ""
	case FieldInvoiceDate:
		return r.InvoiceDate != nil
	case FieldDueDate:
		return r.DueDate != nil
	case FieldTotalAmount:
		return r.Total != nil
	case FieldSubtotal:
		return r.Subtotal != nil
	case FieldTaxAmount:
		return r.Tax != nil
	case FieldTaxRate:
		return r.TaxRate != nil
	case FieldCurrency:
		return r.Currency != ""
	case FieldCompanyName:
		return r.Company != nil && r.Company.Name != ""
	case FieldCustomerName:
		return r.Customer != nil && r.Customer.Name != ""
	case FieldPONumber:
		return r.PONumber != ""
	case FieldPaymentTerms:
		return r.PaymentTerms != ""
	case FieldLineItem:
		return len(r.LineItems) > 0
	}
	return false
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.Company != nil {
		v := *r.Company
		c.Company = &v
	}
	if r.Customer != nil {
		v := *r.Customer
		c.Customer = &v
	}
	c.InvoiceDate = clonePtr(r.InvoiceDate)
	c.DueDate = clonePtr(r.DueDate)
	c.Subtotal = clonePtr(r.Subtotal)
	c.Tax = clonePtr(r.Tax)
	c.TaxRate = clonePtr(r.TaxRate)
	c.Total = clonePtr(r.Total)
	c.LineItems = append([]LineItem(nil), r.LineItems...)
	c.Violations = append([]Violation(nil), r.Violations...)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
