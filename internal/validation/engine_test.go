package validation

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

func amount(v float64) *invoice.Amount {
	a := invoice.FromFloat(v)
	return &a
}

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func rules(report Report) []string {
	codes := make([]string, 0, len(report.Violations))
	for _, v := range report.Violations {
		codes = append(codes, v.Rule)
	}
	return codes
}

var _ = Describe("Engine", func() {
	var (
		cfg    Config
		engine *Engine
		rec    *invoice.Record
		report Report
	)

	BeforeEach(func() {
		cfg = DefaultConfig()
		rec = &invoice.Record{
			ID:            "rec-1",
			TenantID:      "tenant-a",
			Company:       &invoice.EntityRef{ID: "ent-1", TenantID: "tenant-a", Name: "ABC Corp"},
			Customer:      &invoice.EntityRef{ID: "ent-2", TenantID: "tenant-a", Name: "Globex Inc"},
			InvoiceNumber: "INV-1001",
			InvoiceDate:   day(2024, time.March, 1),
			DueDate:       day(2024, time.March, 31),
			Currency:      "USD",
			LineItems: []invoice.LineItem{
				{Description: "Consulting", Quantity: 10, UnitPrice: invoice.FromFloat(100), TotalPrice: invoice.FromFloat(1000)},
				{Description: "Travel", Quantity: 1, UnitPrice: invoice.FromFloat(136.36), TotalPrice: invoice.FromFloat(136.36)},
			},
			Subtotal:   amount(1136.36),
			Tax:        amount(113.64),
			Total:      amount(1250.00),
			Confidence: 0.9,
			ReceivedAt: time.Date(2024, time.March, 2, 12, 0, 0, 0, time.UTC),
		}
	})

	JustBeforeEach(func() {
		engine = New(cfg)
		report = engine.Validate(rec)
	})

	When("the totals add up", func() {
		It("should accept the record", func() {
			Expect(report.Verdict).To(Equal(invoice.VerdictAccepted))
			Expect(report.Violations).To(BeEmpty())
		})
	})

	When("subtotal and tax do not add up to the total", func() {
		BeforeEach(func() {
			rec.Subtotal = amount(1090.91)
			rec.Tax = amount(109.09)
			rec.LineItems = nil
		})

		It("should require review with an arithmetic mismatch", func() {
			Expect(report.Verdict).To(Equal(invoice.VerdictRequiresReview))
			Expect(rules(report)).To(Equal([]string{"arithmetic_mismatch"}))
			Expect(report.Violations[0].Category).To(Equal("arithmetic"))
			Expect(report.Violations[0].Message).To(ContainSubstring("1200.00"))
		})
	})

	When("the difference is within tolerance", func() {
		BeforeEach(func() {
			rec.Tax = amount(113.65)
		})

		It("should accept the record", func() {
			Expect(report.Verdict).To(Equal(invoice.VerdictAccepted))
		})
	})

	When("the tolerance is configured tighter", func() {
		BeforeEach(func() {
			cfg.Tolerance = 0
			rec.Tax = amount(113.65)
		})

		It("should flag the cent", func() {
			Expect(report.Has("arithmetic_mismatch")).To(BeTrue())
		})
	})

	When("a mandatory field is missing", func() {
		BeforeEach(func() {
			rec.InvoiceNumber = ""
			rec.Company = nil
		})

		It("should report each missing field and require review", func() {
			Expect(report.Verdict).To(Equal(invoice.VerdictRequiresReview))
			Expect(rules(report)).To(Equal([]string{"missing_field", "missing_field"}))
			Expect(report.Violations[0].Message).To(ContainSubstring("invoice_number"))
			Expect(report.Violations[1].Message).To(ContainSubstring("company_name"))
		})
	})

	When("a line item does not multiply out", func() {
		BeforeEach(func() {
			rec.LineItems[0].TotalPrice = invoice.FromFloat(900)
		})

		It("should name the line", func() {
			Expect(report.Verdict).To(Equal(invoice.VerdictRequiresReview))
			Expect(rules(report)).To(ContainElement("line_item_mismatch"))
			for _, v := range report.Violations {
				if v.Rule == "line_item_mismatch" {
					Expect(v.Line).To(Equal(1))
				}
			}
		})
	})

	When("line items do not sum to the subtotal", func() {
		BeforeEach(func() {
			rec.LineItems = rec.LineItems[:1]
		})

		It("should record a soft violation without escalating", func() {
			Expect(rules(report)).To(Equal([]string{"line_items_subtotal_mismatch"}))
			Expect(report.Violations[0].Severity).To(Equal(invoice.SeveritySoft))
			Expect(report.Verdict).To(Equal(invoice.VerdictAccepted))
		})
	})

	When("soft violations reach the threshold", func() {
		BeforeEach(func() {
			rec.LineItems = rec.LineItems[:1]
			rec.DueDate = day(2024, time.February, 1)
		})

		It("should require review", func() {
			Expect(rules(report)).To(Equal([]string{"line_items_subtotal_mismatch", "due_before_invoice"}))
			Expect(report.Verdict).To(Equal(invoice.VerdictRequiresReview))
		})
	})

	When("the total is negative", func() {
		BeforeEach(func() {
			rec.Subtotal = amount(-1136.36)
			rec.Tax = amount(-113.64)
			rec.Total = amount(-1250)
			rec.LineItems = nil
		})

		It("should reject the record", func() {
			Expect(report.Verdict).To(Equal(invoice.VerdictRejected))
			Expect(rules(report)).To(Equal([]string{"negative_amount", "negative_amount", "negative_amount"}))
			Expect(report.Violations[0].Severity).To(Equal(invoice.SeverityHard))
		})
	})

	When("a resolved entity belongs to another tenant", func() {
		BeforeEach(func() {
			rec.Customer.TenantID = "tenant-b"
		})

		It("should reject the record", func() {
			Expect(report.Verdict).To(Equal(invoice.VerdictRejected))
			Expect(rules(report)).To(Equal([]string{"tenant_mismatch"}))
		})
	})

	When("the total is out of range", func() {
		BeforeEach(func() {
			cfg.MaxTotal = invoice.FromFloat(1000)
		})

		It("should record a soft violation", func() {
			Expect(rules(report)).To(Equal([]string{"total_out_of_range"}))
			Expect(report.Verdict).To(Equal(invoice.VerdictAccepted))
		})
	})

	When("the invoice date is far in the future", func() {
		BeforeEach(func() {
			rec.InvoiceDate = day(2024, time.June, 1)
			rec.DueDate = day(2024, time.July, 1)
		})

		It("should flag it", func() {
			Expect(rules(report)).To(Equal([]string{"future_invoice_date"}))
		})
	})

	When("the invoice date is years old", func() {
		BeforeEach(func() {
			rec.InvoiceDate = day(2020, time.January, 1)
			rec.DueDate = day(2020, time.February, 1)
		})

		It("should flag it", func() {
			Expect(rules(report)).To(Equal([]string{"stale_invoice_date"}))
		})
	})

	When("the due date precedes the invoice date", func() {
		BeforeEach(func() {
			rec.DueDate = day(2024, time.February, 28)
		})

		It("should record a soft violation", func() {
			Expect(rules(report)).To(Equal([]string{"due_before_invoice"}))
			Expect(report.Violations[0].Severity).To(Equal(invoice.SeveritySoft))
			Expect(report.Violations[0].Message).To(ContainSubstring("2024-02-28"))
			Expect(report.Verdict).To(Equal(invoice.VerdictAccepted))
		})
	})

	When("the invoice is due the day it is issued", func() {
		BeforeEach(func() {
			rec.DueDate = day(2024, time.March, 1)
		})

		It("should accept the record", func() {
			Expect(report.Violations).To(BeEmpty())
		})
	})

	When("the record has more line items than allowed", func() {
		BeforeEach(func() {
			cfg.MaxLineItems = 1
		})

		It("should record a soft violation", func() {
			Expect(rules(report)).To(Equal([]string{"too_many_line_items"}))
			Expect(report.Violations[0].Message).To(ContainSubstring("2 line items exceed the limit of 1"))
		})
	})

	When("the invoice number was already recorded for the issuer", func() {
		BeforeEach(func() {
			rec.DuplicateOf = "rec-0"
		})

		It("should require review", func() {
			Expect(rules(report)).To(Equal([]string{"duplicate_invoice"}))
			Expect(report.Violations[0].Message).To(ContainSubstring("rec-0"))
			Expect(report.Verdict).To(Equal(invoice.VerdictRequiresReview))
		})

		It("should not flag the record against itself", func() {
			rec.DuplicateOf = rec.ID
			Expect(engine.Validate(rec).Violations).To(BeEmpty())
		})
	})

	When("sanity rules fail", func() {
		BeforeEach(func() {
			rate := 75.0
			rec.TaxRate = &rate
			rec.Currency = "XYZ"
			rec.LineItems[1].Description = " consulting "
		})

		It("should report each in catalogue order", func() {
			Expect(rules(report)).To(Equal([]string{"tax_rate_out_of_range", "duplicate_line_item", "unsupported_currency"}))
			Expect(report.Violations[1].Line).To(Equal(2))
			Expect(report.Verdict).To(Equal(invoice.VerdictRequiresReview))
		})
	})

	When("extraction confidence is below the floor", func() {
		BeforeEach(func() {
			rec.Confidence = 0.4
		})

		It("should require review even though arithmetic passes", func() {
			Expect(rules(report)).To(Equal([]string{"low_confidence"}))
			Expect(report.Verdict).To(Equal(invoice.VerdictRequiresReview))
		})
	})

	It("should be deterministic", func() {
		rec.Total = amount(1200)
		rec.InvoiceNumber = ""
		first := engine.Validate(rec)
		for range 5 {
			Expect(engine.Validate(rec)).To(Equal(first))
		}
		Expect(first.Verdict).To(Equal(invoice.VerdictRequiresReview))
	})

	It("should store the verdict with Apply", func() {
		rec.Total = amount(1200)
		got := engine.Apply(rec)
		Expect(rec.Verdict).To(Equal(got.Verdict))
		Expect(rec.Violations).To(Equal(got.Violations))
	})
})
