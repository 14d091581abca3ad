package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-pipeline/internal/entity"
	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/ocr"
	"github.com/zombor/invoice-pipeline/internal/store"
	"github.com/zombor/invoice-pipeline/internal/validation"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx        context.Context
		stop       context.CancelFunc
		done       chan error
		db         *store.BoltDB
		storage    *store.LocalStorage
		recognizer *mockRecognizer
		extractor  *mockExtractor
		resolver   Resolver
		cfg        Config
		clock      *settableClock
		orch       *Orchestrator
		alarms     chan error
	)

	BeforeEach(func() {
		ctx = context.Background()
		stop = nil
		dir := GinkgoT().TempDir()

		var err error
		db, err = store.NewBoltDB(filepath.Join(dir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		storage, err = store.NewLocalStorage(filepath.Join(dir, "documents"))
		Expect(err).NotTo(HaveOccurred())

		recognizer = &mockRecognizer{}
		extractor = &mockExtractor{fields: invoiceFields(), confidence: 0.9}
		resolver = entity.NewResolver(db, entity.DefaultConfig())
		clock = &settableClock{now: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)}

		cfg = DefaultConfig()
		cfg.Workers = 2
		cfg.BackoffBase = time.Millisecond
		cfg.BackoffMax = 5 * time.Millisecond
		cfg.RequeueDelay = 10 * time.Millisecond
		cfg.StageTimeout = 5 * time.Second
		cfg.StageTimeouts = nil
	})

	JustBeforeEach(func() {
		orch = NewWithDeps(Components{
			Store:     db,
			Storage:   storage,
			OCR:       recognizer,
			Extractor: extractor,
			Resolver:  resolver,
			Validator: validation.New(validation.DefaultConfig()),
		}, cfg, invoice.UUIDGenerator{}, clock)

		alarms = make(chan error, 4)
		orch.OnAlarm(func(job *invoice.Job, err error) {
			alarms <- err
		})
	})

	AfterEach(func() {
		if stop != nil {
			stop()
			Eventually(done).Should(Receive(BeNil()))
		}
		db.Close()
	})

	start := func() {
		var runCtx context.Context
		runCtx, stop = context.WithCancel(ctx)
		done = make(chan error, 1)
		go func() {
			done <- orch.Run(runCtx)
		}()
	}

	submit := func(tenantID string, data []byte) *invoice.Job {
		job, err := orch.Submit(ctx, tenantID, "invoice.png", "image/png", data)
		Expect(err).NotTo(HaveOccurred())
		return job
	}

	stateOf := func(jobID string) func() (invoice.JobState, error) {
		return func() (invoice.JobState, error) {
			st, err := orch.Status(ctx, jobID)
			if err != nil {
				return "", err
			}
			return st.State, nil
		}
	}

	stages := func(entries []invoice.AuditEntry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, fmt.Sprintf("%s>%s:%s", e.Stage, e.NextState, e.Outcome))
		}
		return out
	}

	When("the document is a consistent invoice", func() {
		It("should complete with an accepted record and a full audit trail", func() {
			job := submit("tenant-a", pngDocument(1))
			Expect(job.State).To(Equal(invoice.StatePending))
			start()

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateCompleted))

			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Verdict).To(Equal(invoice.VerdictAccepted))
			Expect(st.Violations).To(BeEmpty())
			Expect(st.Confidence).To(Equal(0.9))
			Expect(st.Retries).To(BeZero())
			Expect(st.ErrorKind).To(BeEmpty())

			entries, err := orch.Audit(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stages(entries)).To(Equal([]string{
				"pending>ocr_running:success",
				"ocr_running>extracting:success",
				"extracting>resolving:success",
				"resolving>validating:success",
				"validating>completed:success",
			}))

			rec, err := orch.Invoice(ctx, "tenant-a", st.RecordID)
			Expect(err).NotTo(HaveOccurred())
			Expect(*rec.Total).To(Equal(invoice.FromFloat(1250)))
			Expect(rec.Company.Name).To(Equal("ABC Corp"))
			Expect(rec.Company.Created).To(BeTrue())
			Expect(rec.Customer.Name).To(Equal("Globex Inc"))
			Expect(rec.Status).To(Equal(invoice.StateCompleted))
			Expect(rec.ReceivedAt).To(BeTemporally("==", clock.Now()))

			_, err = orch.Invoice(ctx, "tenant-b", st.RecordID)
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())

			_, err = db.GetCheckpoint(ctx, job.ID)
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
			Expect(extractor.tokens).To(Equal(2))
		})
	})

	When("subtotal and tax do not add up to the total", func() {
		var job *invoice.Job

		BeforeEach(func() {
			extractor.fields[invoice.FieldSubtotal] = "1090.91"
			extractor.fields[invoice.FieldTaxAmount] = "109.09"
		})

		JustBeforeEach(func() {
			job = submit("tenant-a", pngDocument(2))
			start()
			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateRequiresReview))
		})

		It("should await review with an arithmetic mismatch", func() {
			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Verdict).To(Equal(invoice.VerdictRequiresReview))
			Expect(st.Violations).To(HaveLen(1))
			Expect(st.Violations[0].Rule).To(Equal("arithmetic_mismatch"))

			_, err = db.GetCheckpoint(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should refuse cancellation", func() {
			Expect(errors.Is(orch.Cancel(ctx, job.ID), ErrJobSettled)).To(BeTrue())
		})

		It("should complete when approved", func() {
			rec, err := orch.Review(ctx, job.ID, ReviewDecision{Approve: true, Reviewer: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Status).To(Equal(invoice.StateCompleted))
			Expect(rec.Verdict).To(Equal(invoice.VerdictRequiresReview))

			Expect(stateOf(job.ID)()).To(Equal(invoice.StateCompleted))

			entries, err := orch.Audit(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			last := entries[len(entries)-1]
			Expect(last.Outcome).To(Equal(invoice.OutcomeReviewed))
			Expect(last.InputSummary).To(ContainSubstring("alice"))

			_, err = db.GetCheckpoint(ctx, job.ID)
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
		})

		It("should re-validate a corrected record", func() {
			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			stored, err := orch.Invoice(ctx, "tenant-a", st.RecordID)
			Expect(err).NotTo(HaveOccurred())

			corrected := stored.Clone()
			corrected.Subtotal = ptr(invoice.FromFloat(1136.36))
			corrected.Tax = ptr(invoice.FromFloat(113.64))
			corrected.TenantID = "tenant-b"

			rec, err := orch.Review(ctx, job.ID, ReviewDecision{Approve: true, Corrected: corrected})
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Verdict).To(Equal(invoice.VerdictAccepted))
			Expect(rec.TenantID).To(Equal("tenant-a"))

			stored, err = orch.Invoice(ctx, "tenant-a", st.RecordID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Verdict).To(Equal(invoice.VerdictAccepted))
			Expect(stored.Status).To(Equal(invoice.StateCompleted))
		})

		It("should fail when rejected", func() {
			_, err := orch.Review(ctx, job.ID, ReviewDecision{Approve: false, Note: "wrong vendor"})
			Expect(err).NotTo(HaveOccurred())

			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.State).To(Equal(invoice.StateFailed))
			Expect(st.ErrorKind).To(Equal(invoice.KindValidationRule))
			Expect(st.ErrorSummary).To(Equal("rejected in review"))

			_, err = orch.Review(ctx, job.ID, ReviewDecision{Approve: true})
			Expect(errors.Is(err, ErrNotInReview)).To(BeTrue())
		})
	})

	When("the document cannot be decoded", func() {
		It("should fail without retrying", func() {
			job := submit("tenant-a", []byte("definitely not an image"))
			start()

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateFailed))

			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.ErrorKind).To(Equal(invoice.KindUnreadableDocument))
			Expect(st.ErrorSummary).To(Equal("document could not be decoded"))
			Expect(st.Retries).To(BeZero())

			entries, err := orch.Audit(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stages(entries)).To(Equal([]string{"pending>failed:failed"}))
			Expect(entries[0].ErrorKind).To(Equal(invoice.KindUnreadableDocument))
			Expect(recognizer.Calls()).To(BeEmpty())
		})
	})

	When("recognition quality is low", func() {
		BeforeEach(func() {
			cfg.MaxRetries = 0
			recognizer.fn = func(ctx context.Context, n int, opts ocr.Options) (*ocr.Recognition, error) {
				if !opts.Enhance {
					return nil, &ocr.LowQualityError{Recognition: recognition(false), Floor: 0.5}
				}
				return recognition(true), nil
			}
		})

		It("should retry once with enhanced preprocessing", func() {
			job := submit("tenant-a", pngDocument(3))
			start()

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateCompleted))
			Expect(recognizer.Calls()).To(Equal([]ocr.Options{{Enhance: false}, {Enhance: true}}))

			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Retries).To(Equal(1))

			entries, err := orch.Audit(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries[1].Outcome).To(Equal(invoice.OutcomeRetry))
			Expect(entries[1].Stage).To(Equal(invoice.StateOCRRunning))
			Expect(entries[1].ErrorKind).To(Equal(invoice.KindLowQualityInput))
			Expect(entries[2].InputSummary).To(ContainSubstring("enhance=true"))
		})
	})

	When("a stage exceeds its deadline", func() {
		BeforeEach(func() {
			cfg.StageTimeouts = map[invoice.JobState]time.Duration{invoice.StateOCRRunning: 50 * time.Millisecond}
			recognizer.fn = func(ctx context.Context, n int, opts ocr.Options) (*ocr.Recognition, error) {
				if n <= 2 {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				return recognition(false), nil
			}
		})

		It("should retry with backoff and then succeed", func() {
			job := submit("tenant-a", pngDocument(4))
			start()

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateCompleted))
			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Retries).To(Equal(2))

			entries, err := orch.Audit(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries[1].ErrorKind).To(Equal(invoice.KindStageTimeout))
			Expect(entries[2].ErrorKind).To(Equal(invoice.KindStageTimeout))
		})

		When("retries run out", func() {
			BeforeEach(func() {
				cfg.MaxRetries = 1
			})

			It("should fail the job", func() {
				job := submit("tenant-a", pngDocument(5))
				start()

				Eventually(stateOf(job.ID)).Should(Equal(invoice.StateFailed))
				st, err := orch.Status(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(st.ErrorKind).To(Equal(invoice.KindStageTimeout))
				Expect(st.Retries).To(Equal(1))
				Expect(extractor.Calls()).To(BeZero())
			})
		})
	})

	When("the OCR engine is briefly unavailable", func() {
		BeforeEach(func() {
			recognizer.fn = func(ctx context.Context, n int, opts ocr.Options) (*ocr.Recognition, error) {
				if n == 1 {
					return nil, invoice.NewError(invoice.KindEngineUnavailable, "ocr engine is unavailable", errors.New("status 503"))
				}
				return recognition(false), nil
			}
		})

		It("should retry and complete", func() {
			job := submit("tenant-a", pngDocument(6))
			start()

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateCompleted))
			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Retries).To(Equal(1))

			entries, err := orch.Audit(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries[1].ErrorKind).To(Equal(invoice.KindEngineUnavailable))
		})
	})

	When("the job is cancelled during a stage", func() {
		var (
			started chan struct{}
			release chan struct{}
		)

		BeforeEach(func() {
			started = make(chan struct{}, 1)
			release = make(chan struct{})
			recognizer.fn = func(ctx context.Context, n int, opts ocr.Options) (*ocr.Recognition, error) {
				started <- struct{}{}
				<-release
				return recognition(false), nil
			}
		})

		It("should finish the stage and fail before the next one", func() {
			job := submit("tenant-a", pngDocument(6))
			start()

			Eventually(started).Should(Receive())
			Expect(orch.Cancel(ctx, job.ID)).To(Succeed())
			close(release)

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateFailed))
			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.ErrorKind).To(Equal(invoice.KindCancelled))
			Expect(extractor.Calls()).To(BeZero())

			entries, err := orch.Audit(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stages(entries)).To(Equal([]string{
				"pending>ocr_running:success",
				"ocr_running>extracting:success",
				"extracting>failed:cancelled",
			}))
		})
	})

	When("the job outlives its deadline", func() {
		BeforeEach(func() {
			cfg.JobDeadline = time.Minute
		})

		It("should fail at the next stage boundary", func() {
			job := submit("tenant-a", pngDocument(7))
			clock.Advance(2 * time.Minute)
			start()

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateFailed))
			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.ErrorKind).To(Equal(invoice.KindDeadlineExceeded))
			Expect(recognizer.Calls()).To(BeEmpty())
		})
	})

	When("a resolved entity belongs to another tenant", func() {
		BeforeEach(func() {
			resolver = foreignResolver{}
		})

		It("should raise an alarm and fail without retrying", func() {
			job := submit("tenant-a", pngDocument(8))
			start()

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateFailed))
			Eventually(alarms).Should(Receive())

			st, err := orch.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.ErrorKind).To(Equal(invoice.KindTenantIsolation))
			Expect(st.Retries).To(BeZero())

			records, err := orch.Invoices(ctx, "tenant-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())
		})
	})

	Describe("Submit", func() {
		It("should return the active job for identical content", func() {
			first := submit("tenant-a", pngDocument(9))
			second := submit("tenant-a", pngDocument(9))
			Expect(second.ID).To(Equal(first.ID))

			other := submit("tenant-b", pngDocument(9))
			Expect(other.ID).NotTo(Equal(first.ID))
			Expect(other.DocumentID).NotTo(Equal(first.DocumentID))
		})

		It("should start a new job for a document that already finished", func() {
			first := submit("tenant-a", pngDocument(10))
			start()
			Eventually(stateOf(first.ID)).Should(Equal(invoice.StateCompleted))

			again := submit("tenant-a", pngDocument(10))
			Expect(again.ID).NotTo(Equal(first.ID))
			Expect(again.DocumentID).To(Equal(first.DocumentID))
			Eventually(stateOf(again.ID)).Should(Equal(invoice.StateRequiresReview))
		})

		It("should require a tenant", func() {
			_, err := orch.Submit(ctx, "", "invoice.png", "image/png", pngDocument(11))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Status", func() {
		It("should report unknown jobs as not found", func() {
			_, err := orch.Status(ctx, "missing")
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
		})
	})

	When("another worker holds the document", func() {
		It("should wait for the lock and then process the job", func() {
			job := submit("tenant-a", pngDocument(12))
			unlock, ok := orch.inflight.TryLock(job.DocumentID)
			Expect(ok).To(BeTrue())
			start()

			Consistently(stateOf(job.ID), 150*time.Millisecond).Should(Equal(invoice.StatePending))
			unlock()
			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateCompleted))
		})
	})

	When("many documents name the same company", func() {
		BeforeEach(func() {
			extractor.numbered = true
		})

		It("should process them all against one entity", func() {
			ids := make([]string, 0, 6)
			for i := range 6 {
				ids = append(ids, submit("tenant-a", pngDocument(uint8(20+i))).ID)
			}
			start()

			for _, id := range ids {
				Eventually(stateOf(id)).Should(Equal(invoice.StateCompleted))
			}
			companies, err := db.ListEntities(ctx, "tenant-a", invoice.EntityCompany)
			Expect(err).NotTo(HaveOccurred())
			Expect(companies).To(HaveLen(1))

			listed, err := orch.Entities(ctx, "tenant-a", invoice.EntityCompany)
			Expect(err).NotTo(HaveOccurred())
			Expect(listed).To(Equal(companies))
			one, err := orch.Entity(ctx, "tenant-a", invoice.EntityCompany, companies[0].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(one.Name).To(Equal("ABC Corp"))
		})
	})

	When("separate scans carry the same invoice number from one issuer", func() {
		It("should accept the first and hold the rest for review", func() {
			ids := make([]string, 0, 4)
			for i := range 4 {
				ids = append(ids, submit("tenant-a", pngDocument(uint8(40+i))).ID)
			}
			start()

			states := map[invoice.JobState]int{}
			var firstRecord string
			for _, id := range ids {
				Eventually(stateOf(id)).Should(BeElementOf(invoice.StateCompleted, invoice.StateRequiresReview))
				st, err := orch.Status(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				states[st.State]++
				if st.State == invoice.StateCompleted {
					firstRecord = st.RecordID
				}
			}
			Expect(states).To(Equal(map[invoice.JobState]int{
				invoice.StateCompleted:      1,
				invoice.StateRequiresReview: 3,
			}))

			for _, id := range ids {
				st, err := orch.Status(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				if st.State != invoice.StateRequiresReview {
					continue
				}
				Expect(st.Violations).To(ContainElement(HaveField("Rule", "duplicate_invoice")))
				rec, err := orch.Invoice(ctx, "tenant-a", st.RecordID)
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.DuplicateOf).To(Equal(firstRecord))
			}
		})

		It("should keep the flag through review", func() {
			first := submit("tenant-a", pngDocument(50))
			start()
			Eventually(stateOf(first.ID)).Should(Equal(invoice.StateCompleted))

			second := submit("tenant-a", pngDocument(51))
			Eventually(stateOf(second.ID)).Should(Equal(invoice.StateRequiresReview))

			rec, err := orch.Review(ctx, second.ID, ReviewDecision{Approve: true, Reviewer: "ops"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.DuplicateOf).NotTo(BeEmpty())
			Expect(rec.Violations).To(ContainElement(HaveField("Rule", "duplicate_invoice")))
			Eventually(stateOf(second.ID)).Should(Equal(invoice.StateCompleted))
		})

		It("should not flag other tenants", func() {
			a := submit("tenant-a", pngDocument(52))
			b := submit("tenant-b", pngDocument(53))
			start()

			Eventually(stateOf(a.ID)).Should(Equal(invoice.StateCompleted))
			Eventually(stateOf(b.ID)).Should(Equal(invoice.StateCompleted))
		})
	})

	Describe("resuming after a crash", func() {
		var job *invoice.Job

		// interrupt leaves job in state with cp as its durable checkpoint and
		// drops its queue entry, as a crash between stages would.
		interrupt := func(state invoice.JobState, cp *checkpoint) {
			job = submit("tenant-a", pngDocument(30))
			popped, err := db.Pop(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(popped).To(Equal(job.ID))
			Expect(db.Ack(ctx, popped)).To(Succeed())

			data, err := cp.encode()
			Expect(err).NotTo(HaveOccurred())
			job.State = state
			Expect(db.CommitTransition(ctx, store.Transition{Job: job, Checkpoint: data})).To(Succeed())
		}

		It("should resume validation from the recorded record", func() {
			interrupt(invoice.StateValidating, &checkpoint{Record: &invoice.Record{
				ID:            "rec-resume",
				TenantID:      "tenant-a",
				JobID:         "ignored",
				Company:       &invoice.EntityRef{ID: "ent-1", TenantID: "tenant-a", Name: "ABC Corp"},
				InvoiceNumber: "INV-9",
				Subtotal:      ptr(invoice.FromFloat(1136.36)),
				Tax:           ptr(invoice.FromFloat(113.64)),
				Total:         ptr(invoice.FromFloat(1250)),
				Confidence:    0.9,
			}})
			start()

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateCompleted))
			Expect(recognizer.Calls()).To(BeEmpty())
			Expect(extractor.Calls()).To(BeZero())

			rec, err := orch.Invoice(ctx, "tenant-a", "rec-resume")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Verdict).To(Equal(invoice.VerdictAccepted))

			entries, err := orch.Audit(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stages(entries)).To(Equal([]string{"validating>completed:success"}))
		})

		It("should resume extraction from the recorded tokens", func() {
			interrupt(invoice.StateExtracting, &checkpoint{Recognition: recognition(false)})
			start()

			Eventually(stateOf(job.ID)).Should(Equal(invoice.StateCompleted))
			Expect(recognizer.Calls()).To(BeEmpty())
			Expect(extractor.Calls()).To(Equal(1))
		})

		It("should requeue only jobs missing from the queue", func() {
			interrupt(invoice.StateExtracting, &checkpoint{Recognition: recognition(false)})
			queued := submit("tenant-a", pngDocument(31))
			Expect(queued.State).To(Equal(invoice.StatePending))

			n, err := orch.Recover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			length, err := db.QueueLen(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(length).To(Equal(2))
		})
	})
})

func ptr[T any](v T) *T {
	return &v
}
