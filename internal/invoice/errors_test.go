package invoice_test

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

var _ = Describe("Errors", func() {
	Describe("KindOf", func() {
		It("should read the kind through wrapping", func() {
			err := fmt.Errorf("stage: %w", invoice.NewError(invoice.KindUnreadableDocument, "document could not be decoded", nil))
			Expect(invoice.KindOf(err)).To(Equal(invoice.KindUnreadableDocument))
			Expect(invoice.SummaryOf(err)).To(Equal("document could not be decoded"))
		})

		It("should classify context errors", func() {
			Expect(invoice.KindOf(fmt.Errorf("ocr: %w", context.DeadlineExceeded))).To(Equal(invoice.KindStageTimeout))
			Expect(invoice.KindOf(context.Canceled)).To(Equal(invoice.KindCancelled))
			Expect(invoice.SummaryOf(context.Canceled)).To(Equal("processing was cancelled"))
		})

		It("should treat unclassified errors as internal", func() {
			err := errors.New("disk on fire")
			Expect(invoice.KindOf(err)).To(Equal(invoice.KindInternal))
			Expect(invoice.SummaryOf(err)).To(Equal("internal processing error"))
		})

		It("should report no kind for a nil error", func() {
			Expect(invoice.KindOf(nil)).To(BeEmpty())
		})
	})

	It("should keep the cause reachable", func() {
		cause := errors.New("bad header")
		err := invoice.NewError(invoice.KindUnreadableDocument, "document could not be decoded", cause)
		Expect(errors.Is(err, cause)).To(BeTrue())
		Expect(err.Error()).To(Equal("unreadable_document: document could not be decoded: bad header"))
	})

	DescribeTable("Transient",
		func(kind invoice.ErrorKind, want bool) {
			Expect(kind.Transient()).To(Equal(want))
		},
		Entry(nil, invoice.KindLowQualityInput, true),
		Entry(nil, invoice.KindEntityResolutionConflict, true),
		Entry(nil, invoice.KindStageTimeout, true),
		Entry(nil, invoice.KindEngineUnavailable, true),
		Entry(nil, invoice.KindUnreadableDocument, false),
		Entry(nil, invoice.KindTenantIsolation, false),
		Entry(nil, invoice.KindValidationRule, false),
		Entry(nil, invoice.KindCancelled, false),
	)
})
