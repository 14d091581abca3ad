package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Rule is one independently evaluable business rule.
type Rule struct {
	Code     string
	Category string
	Severity invoice.Severity
	Check    func(cfg *Config, rec *invoice.Record) []Finding
}

// Finding is a single failure reported by a rule check.
type Finding struct {
	Message string
	Line    int // 1-based line item, 0 for the whole record
}

func finding(format string, args ...any) Finding {
	return Finding{Message: fmt.Sprintf(format, args...)}
}

// Rules is the catalogue in evaluation order. Violations are reported in
// this order.
var Rules = []Rule{
	{Code: "missing_field", Category: "completeness", Severity: invoice.SeverityReview, Check: checkMandatory},
	{Code: "arithmetic_mismatch", Category: "arithmetic", Severity: invoice.SeverityReview, Check: checkTotals},
	{Code: "line_item_mismatch", Category: "arithmetic", Severity: invoice.SeverityReview, Check: checkLineArithmetic},
	{Code: "line_items_subtotal_mismatch", Category: "arithmetic", Severity: invoice.SeveritySoft, Check: checkLineSum},
	{Code: "negative_amount", Category: "range", Severity: invoice.SeverityHard, Check: checkNegative},
	{Code: "total_out_of_range", Category: "range", Severity: invoice.SeveritySoft, Check: checkTotalRange},
	{Code: "due_before_invoice", Category: "range", Severity: invoice.SeveritySoft, Check: checkDueDate},
	{Code: "future_invoice_date", Category: "range", Severity: invoice.SeveritySoft, Check: checkFutureDate},
	{Code: "stale_invoice_date", Category: "range", Severity: invoice.SeveritySoft, Check: checkStaleDate},
	{Code: "tax_rate_out_of_range", Category: "range", Severity: invoice.SeveritySoft, Check: checkTaxRate},
	{Code: "too_many_line_items", Category: "range", Severity: invoice.SeveritySoft, Check: checkLineCount},
	{Code: "duplicate_line_item", Category: "sanity", Severity: invoice.SeveritySoft, Check: checkDuplicateLines},
	{Code: "duplicate_invoice", Category: "sanity", Severity: invoice.SeverityReview, Check: checkDuplicateInvoice},
	{Code: "unsupported_currency", Category: "sanity", Severity: invoice.SeveritySoft, Check: checkCurrency},
	{Code: "low_confidence", Category: "confidence", Severity: invoice.SeverityReview, Check: checkConfidence},
	{Code: "tenant_mismatch", Category: "isolation", Severity: invoice.SeverityHard, Check: checkTenant},
}

func currencyOf(rec *invoice.Record) string {
	if rec.Currency == "" {
		return "USD"
	}
	return rec.Currency
}

func checkMandatory(cfg *Config, rec *invoice.Record) []Finding {
	var out []Finding
	for _, kind := range cfg.MandatoryFields {
		if !rec.Has(kind) {
			out = append(out, finding("mandatory field %s is missing", kind))
		}
	}
	return out
}

func checkTotals(cfg *Config, rec *invoice.Record) []Finding {
	if rec.Subtotal == nil || rec.Tax == nil || rec.Total == nil {
		return nil
	}
	sum := *rec.Subtotal + *rec.Tax
	if invoice.Within(sum, *rec.Total, cfg.Tolerance) {
		return nil
	}
	return []Finding{finding("subtotal %s + tax %s = %s, total is %s", rec.Subtotal, rec.Tax, sum, rec.Total)}
}

func checkLineArithmetic(cfg *Config, rec *invoice.Record) []Finding {
	var out []Finding
	currency := currencyOf(rec)
	for i, item := range rec.LineItems {
		expected := item.UnitPrice.Multiply(item.Quantity, currency)
		if !invoice.Within(expected, item.TotalPrice, cfg.Tolerance) {
			out = append(out, Finding{
				Message: fmt.Sprintf("%g × %s = %s, line total is %s", item.Quantity, item.UnitPrice, expected, item.TotalPrice),
				Line:    i + 1,
			})
		}
	}
	return out
}

func checkLineSum(cfg *Config, rec *invoice.Record) []Finding {
	if rec.Subtotal == nil || len(rec.LineItems) == 0 {
		return nil
	}
	var sum invoice.Amount
	for _, item := range rec.LineItems {
		sum += item.TotalPrice
	}
	if invoice.Within(sum, *rec.Subtotal, cfg.SubtotalTolerance) {
		return nil
	}
	return []Finding{finding("line items sum to %s, subtotal is %s", sum, rec.Subtotal)}
}

func checkNegative(cfg *Config, rec *invoice.Record) []Finding {
	var out []Finding
	for _, f := range []struct {
		name  string
		value *invoice.Amount
	}{
		{"subtotal", rec.Subtotal},
		{"tax_amount", rec.Tax},
		{"total_amount", rec.Total},
	} {
		if f.value != nil && *f.value < 0 {
			out = append(out, finding("%s is negative (%s)", f.name, f.value))
		}
	}
	for i, item := range rec.LineItems {
		if item.Quantity < 0 || item.UnitPrice < 0 || item.TotalPrice < 0 {
			out = append(out, Finding{Message: "line item has a negative quantity or amount", Line: i + 1})
		}
	}
	return out
}

func checkTotalRange(cfg *Config, rec *invoice.Record) []Finding {
	if rec.Total == nil || *rec.Total < 0 {
		return nil
	}
	if *rec.Total < cfg.MinTotal || *rec.Total > cfg.MaxTotal {
		return []Finding{finding("total %s is outside %s..%s", rec.Total, cfg.MinTotal, cfg.MaxTotal)}
	}
	return nil
}

func checkDueDate(cfg *Config, rec *invoice.Record) []Finding {
	if rec.InvoiceDate == nil || rec.DueDate == nil || !rec.DueDate.Before(*rec.InvoiceDate) {
		return nil
	}
	return []Finding{finding("due date %s is before invoice date %s", rec.DueDate.Format("2006-01-02"), rec.InvoiceDate.Format("2006-01-02"))}
}

func checkFutureDate(cfg *Config, rec *invoice.Record) []Finding {
	if rec.InvoiceDate == nil || rec.ReceivedAt.IsZero() {
		return nil
	}
	if rec.InvoiceDate.After(rec.ReceivedAt.Add(cfg.FutureWindow)) {
		return []Finding{finding("invoice date %s is too far in the future", rec.InvoiceDate.Format("2006-01-02"))}
	}
	return nil
}

func checkStaleDate(cfg *Config, rec *invoice.Record) []Finding {
	if rec.InvoiceDate == nil || rec.ReceivedAt.IsZero() {
		return nil
	}
	if rec.InvoiceDate.Before(rec.ReceivedAt.Add(-cfg.StaleWindow)) {
		return []Finding{finding("invoice date %s is unusually old", rec.InvoiceDate.Format("2006-01-02"))}
	}
	return nil
}

func checkTaxRate(cfg *Config, rec *invoice.Record) []Finding {
	if rec.TaxRate == nil {
		return nil
	}
	if *rec.TaxRate < 0 || *rec.TaxRate > cfg.MaxTaxRate {
		return []Finding{finding("tax rate %g%% is outside 0..%g%%", *rec.TaxRate, cfg.MaxTaxRate)}
	}
	return nil
}

func checkLineCount(cfg *Config, rec *invoice.Record) []Finding {
	if len(rec.LineItems) > cfg.MaxLineItems {
		return []Finding{finding("%d line items exceed the limit of %d", len(rec.LineItems), cfg.MaxLineItems)}
	}
	return nil
}

func checkDuplicateLines(cfg *Config, rec *invoice.Record) []Finding {
	var out []Finding
	seen := make(map[string]int)
	for i, item := range rec.LineItems {
		key := strings.ToLower(strings.Join(strings.Fields(item.Description), " "))
		if key == "" {
			continue
		}
		if first, ok := seen[key]; ok {
			out = append(out, Finding{Message: fmt.Sprintf("repeats line %d", first), Line: i + 1})
			continue
		}
		seen[key] = i + 1
	}
	return out
}

func checkDuplicateInvoice(cfg *Config, rec *invoice.Record) []Finding {
	if rec.DuplicateOf == "" || rec.DuplicateOf == rec.ID {
		return nil
	}
	return []Finding{finding("invoice %s from this issuer was already recorded as %s", rec.InvoiceNumber, rec.DuplicateOf)}
}

func checkCurrency(cfg *Config, rec *invoice.Record) []Finding {
	if rec.Currency == "" || len(cfg.Currencies) == 0 {
		return nil
	}
	if slices.Contains(cfg.Currencies, strings.ToUpper(rec.Currency)) {
		return nil
	}
	return []Finding{finding("currency %s is not supported", rec.Currency)}
}

func checkConfidence(cfg *Config, rec *invoice.Record) []Finding {
	if rec.Confidence >= cfg.ConfidenceFloor {
		return nil
	}
	return []Finding{finding("extraction confidence %.2f is below %.2f", rec.Confidence, cfg.ConfidenceFloor)}
}

func checkTenant(cfg *Config, rec *invoice.Record) []Finding {
	var out []Finding
	for _, ref := range []struct {
		name string
		ref  *invoice.EntityRef
	}{
		{"company", rec.Company},
		{"customer", rec.Customer},
	} {
		if ref.ref != nil && ref.ref.ID != "" && ref.ref.TenantID != rec.TenantID {
			out = append(out, finding("%s %s belongs to another tenant", ref.name, ref.ref.ID))
		}
	}
	return out
}
