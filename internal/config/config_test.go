package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-pipeline/internal/config"
	"github.com/zombor/invoice-pipeline/internal/entity"
	"github.com/zombor/invoice-pipeline/internal/extraction"
	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/ocr"
	"github.com/zombor/invoice-pipeline/internal/pipeline"
	"github.com/zombor/invoice-pipeline/internal/validation"
)

var _ = Describe("Rules", func() {
	var (
		path    string
		content string
		rules   *config.Rules
		err     error
	)

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "rules.yaml")
		content = ""
	})

	JustBeforeEach(func() {
		Expect(os.WriteFile(path, []byte(content), 0600)).To(Succeed())
		rules, err = config.Load(path)
	})

	When("the file is empty", func() {
		It("should produce every component's defaults", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rules.OCRConfig()).To(Equal(ocr.DefaultConfig()))
			Expect(rules.ExtractionConfig()).To(Equal(extraction.DefaultConfig()))
			Expect(rules.EntityConfig()).To(Equal(entity.DefaultConfig()))
			Expect(rules.ValidationConfig()).To(Equal(validation.DefaultConfig()))
			Expect(rules.PipelineConfig()).To(Equal(pipeline.DefaultConfig()))
		})

		It("should match Default", func() {
			Expect(rules).To(Equal(config.Default()))
		})
	})

	When("parameters are overridden", func() {
		BeforeEach(func() {
			content = `
ocr:
  confidence_floor: 0.7
extraction:
  weights:
    total_amount: 5
  default_currency: EUR
entity:
  threshold: 0.9
  max_conflict_retries: 0
validation:
  tolerance: 0.05
  mandatory_fields: [invoice_number, total_amount, invoice_date]
  max_total: 5000
  future_window: 72h
  currencies: [EUR]
  soft_threshold: 1
pipeline:
  workers: 8
  max_retries: 0
  stage_timeout: 45s
  stage_timeouts:
    ocr_running: 10m
    resolving: 10s
`
		})

		It("should carry them into the component configurations", func() {
			Expect(err).NotTo(HaveOccurred())

			Expect(rules.OCRConfig().ConfidenceFloor).To(Equal(0.7))

			ext := rules.ExtractionConfig()
			Expect(ext.Weights[invoice.FieldTotalAmount]).To(Equal(5.0))
			Expect(ext.Weights[invoice.FieldInvoiceNumber]).To(Equal(2.0))
			Expect(ext.DefaultCurrency).To(Equal("EUR"))

			Expect(rules.EntityConfig()).To(Equal(entity.Config{Threshold: 0.9, MaxConflictRetries: 0}))

			val := rules.ValidationConfig()
			Expect(val.Tolerance).To(Equal(invoice.Amount(5)))
			Expect(val.SubtotalTolerance).To(Equal(invoice.Amount(5)))
			Expect(val.MaxTotal).To(Equal(invoice.Amount(500_000)))
			Expect(val.MinTotal).To(Equal(invoice.Amount(1)))
			Expect(val.MandatoryFields).To(Equal([]invoice.FieldKind{
				invoice.FieldInvoiceNumber, invoice.FieldTotalAmount, invoice.FieldInvoiceDate,
			}))
			Expect(val.FutureWindow).To(Equal(72 * time.Hour))
			Expect(val.Currencies).To(Equal([]string{"EUR"}))
			Expect(val.SoftThreshold).To(Equal(1))

			pc := rules.PipelineConfig()
			Expect(pc.Workers).To(Equal(8))
			Expect(pc.MaxRetries).To(BeZero())
			Expect(pc.StageTimeout).To(Equal(45 * time.Second))
			Expect(pc.StageTimeouts).To(Equal(map[invoice.JobState]time.Duration{
				invoice.StateOCRRunning: 10 * time.Minute,
				invoice.StateResolving:  10 * time.Second,
			}))
			Expect(pc.BackoffBase).To(Equal(pipeline.DefaultConfig().BackoffBase))
		})
	})

	When("a field kind is unknown", func() {
		BeforeEach(func() {
			content = `
extraction:
  weights:
    grand_total: 3
validation:
  mandatory_fields: [invoice_number, vendor]
`
		})

		It("should report each one", func() {
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring(`"grand_total"`))
			Expect(err.Error()).To(ContainSubstring(`"vendor"`))
		})
	})

	When("a stage name is unknown", func() {
		BeforeEach(func() {
			content = `
pipeline:
  stage_timeouts:
    completed: 1m
`
		})

		It("should fail", func() {
			Expect(err).To(MatchError(ContainSubstring(`unknown stage "completed"`)))
		})
	})

	When("the threshold is out of range", func() {
		BeforeEach(func() {
			content = "entity:\n  threshold: 1.5\n"
		})

		It("should fail", func() {
			Expect(err).To(MatchError(ContainSubstring("entity.threshold")))
		})
	})

	When("the amount range is inverted", func() {
		BeforeEach(func() {
			content = "validation:\n  min_total: 100\n  max_total: 10\n"
		})

		It("should fail", func() {
			Expect(err).To(MatchError(ContainSubstring("min_total")))
		})
	})

	When("the file is not YAML", func() {
		BeforeEach(func() {
			content = "ocr: [unterminated"
		})

		It("should fail to parse", func() {
			Expect(err).To(MatchError(ContainSubstring("failed to parse rules")))
		})
	})

	When("the file does not exist", func() {
		It("should fail to read", func() {
			_, err := config.Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
			Expect(err).To(MatchError(ContainSubstring("failed to read rules")))
		})
	})
})
