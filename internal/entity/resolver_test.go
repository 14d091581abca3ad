package entity

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/store"
)

// racingStore creates a competing entity the first time CreateEntity is
// called, as another process would.
type racingStore struct {
	*store.BoltDB
	once sync.Once
}

func (s *racingStore) CreateEntity(ctx context.Context, e *invoice.Entity) error {
	s.once.Do(func() {
		rival := *e
		rival.ID = "rival"
		Expect(s.BoltDB.CreateEntity(ctx, &rival)).To(Succeed())
	})
	return s.BoltDB.CreateEntity(ctx, e)
}

// leakyStore returns another tenant's entity from tax-id lookups.
type leakyStore struct {
	*store.BoltDB
}

func (s *leakyStore) FindEntityByTaxID(ctx context.Context, tenantID string, kind invoice.EntityKind, taxID string) (*invoice.Entity, error) {
	return &invoice.Entity{ID: "foreign", TenantID: "tenant-b", Kind: kind, TaxID: taxID}, nil
}

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		db       *store.BoltDB
		s        Store
		resolver *Resolver
		cfg      Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = store.NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		s = db
		cfg = DefaultConfig()
	})

	JustBeforeEach(func() {
		resolver = NewResolverWithDeps(s, cfg, DefaultScorer(), &sequentialIDs{}, &tickingClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)})
	})

	AfterEach(func() {
		db.Close()
	})

	company := func(name, taxID string) invoice.Party {
		return invoice.Party{Kind: invoice.EntityCompany, Name: name, TaxID: taxID}
	}

	When("the same company is spelled two ways with one tax id", func() {
		It("should resolve both to one entity and create only once", func() {
			first, err := resolver.Resolve(ctx, "tenant-a", company("ABC Corp", "12-3456789"))
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Created).To(BeTrue())
			Expect(first.Entity.TaxID).To(Equal("123456789"))
			Expect(first.Entity.CanonicalName).To(Equal("abc corp"))

			second, err := resolver.Resolve(ctx, "tenant-a", company("ABC Corporation", "123456789"))
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Created).To(BeFalse())
			Expect(second.Confidence).To(Equal(1.0))
			Expect(second.Entity.ID).To(Equal(first.Entity.ID))
			Expect(second.Entity.Aliases).To(ConsistOf("ABC Corporation"))

			all, err := db.ListEntities(ctx, "tenant-a", invoice.EntityCompany)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(1))
			Expect(all[0].Aliases).To(ConsistOf("ABC Corporation"))
		})
	})

	It("should be idempotent for the same name and tax id", func() {
		first, err := resolver.Resolve(ctx, "tenant-a", company("Globex Inc", "987"))
		Expect(err).NotTo(HaveOccurred())
		second, err := resolver.Resolve(ctx, "tenant-a", company("Globex Inc", "987"))
		Expect(err).NotTo(HaveOccurred())

		Expect(second.Entity.ID).To(Equal(first.Entity.ID))
		Expect(second.Created).To(BeFalse())
		Expect(second.Entity.Aliases).To(BeEmpty())
	})

	It("should match an existing name without a tax id", func() {
		first, err := resolver.Resolve(ctx, "tenant-a", company("Globex Incorporated", ""))
		Expect(err).NotTo(HaveOccurred())

		second, err := resolver.Resolve(ctx, "tenant-a", company("GLOBEX INC.", ""))
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Entity.ID).To(Equal(first.Entity.ID))
		Expect(second.Confidence).To(Equal(1.0))
	})

	It("should link a similar name above the threshold", func() {
		first, err := resolver.Resolve(ctx, "tenant-a", company("Initech Solutions", ""))
		Expect(err).NotTo(HaveOccurred())

		second, err := resolver.Resolve(ctx, "tenant-a", company("Initech Solution", ""))
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Created).To(BeFalse())
		Expect(second.Entity.ID).To(Equal(first.Entity.ID))
		Expect(second.Confidence).To(BeNumerically("~", 1-1.0/17.0, 1e-9))
		Expect(second.Entity.Aliases).To(ConsistOf("Initech Solution"))
	})

	It("should create a new entity below the threshold", func() {
		first, err := resolver.Resolve(ctx, "tenant-a", company("Initech", ""))
		Expect(err).NotTo(HaveOccurred())

		second, err := resolver.Resolve(ctx, "tenant-a", company("Umbrella Corp", ""))
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Created).To(BeTrue())
		Expect(second.Entity.ID).NotTo(Equal(first.Entity.ID))
	})

	When("the threshold is raised", func() {
		BeforeEach(func() {
			cfg.Threshold = 0.99
		})

		It("should not link a merely similar name", func() {
			Expect(resolver.Resolve(ctx, "tenant-a", company("Initech Solutions", ""))).NotTo(BeNil())

			second, err := resolver.Resolve(ctx, "tenant-a", company("Initech Solution", ""))
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Created).To(BeTrue())
		})
	})

	It("should keep same-named companies with different tax ids apart", func() {
		first, err := resolver.Resolve(ctx, "tenant-a", company("ABC Corp", "111"))
		Expect(err).NotTo(HaveOccurred())
		second, err := resolver.Resolve(ctx, "tenant-a", company("ABC Corp", "222"))
		Expect(err).NotTo(HaveOccurred())

		Expect(second.Created).To(BeTrue())
		Expect(second.Entity.ID).NotTo(Equal(first.Entity.ID))
	})

	It("should back-fill missing fields without overwriting known ones", func() {
		_, err := resolver.Resolve(ctx, "tenant-a", invoice.Party{Kind: invoice.EntityCompany, Name: "ABC Corp", Email: "ap@abc.com"})
		Expect(err).NotTo(HaveOccurred())

		res, err := resolver.Resolve(ctx, "tenant-a", invoice.Party{
			Kind:    invoice.EntityCompany,
			Name:    "ABC Corp",
			TaxID:   "555",
			Email:   "other@abc.com",
			Phone:   "(555) 123-4567",
			Website: "https://www.abc.com/",
			Address: "1 Main St",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Entity.Email).To(Equal("ap@abc.com"))
		Expect(res.Entity.Phone).To(Equal("5551234567"))
		Expect(res.Entity.Website).To(Equal("abc.com"))
		Expect(res.Entity.TaxID).To(Equal("555"))
		Expect(res.Entity.Address).To(Equal("1 Main St"))

		byTax, err := db.FindEntityByTaxID(ctx, "tenant-a", invoice.EntityCompany, "555")
		Expect(err).NotTo(HaveOccurred())
		Expect(byTax.ID).To(Equal(res.Entity.ID))
	})

	It("should isolate tenants", func() {
		a, err := resolver.Resolve(ctx, "tenant-a", company("ABC Corp", "123"))
		Expect(err).NotTo(HaveOccurred())
		b, err := resolver.Resolve(ctx, "tenant-b", company("ABC Corp", "123"))
		Expect(err).NotTo(HaveOccurred())

		Expect(b.Created).To(BeTrue())
		Expect(b.Entity.ID).NotTo(Equal(a.Entity.ID))
		Expect(b.Entity.TenantID).To(Equal("tenant-b"))

		listed, err := db.ListEntities(ctx, "tenant-b", invoice.EntityCompany)
		Expect(err).NotTo(HaveOccurred())
		Expect(listed).To(HaveLen(1))
		Expect(listed[0].ID).To(Equal(b.Entity.ID))
	})

	It("should keep companies and customers apart", func() {
		c, err := resolver.Resolve(ctx, "tenant-a", company("ABC Corp", ""))
		Expect(err).NotTo(HaveOccurred())
		cust, err := resolver.Resolve(ctx, "tenant-a", invoice.Party{Kind: invoice.EntityCustomer, Name: "ABC Corp"})
		Expect(err).NotTo(HaveOccurred())

		Expect(cust.Created).To(BeTrue())
		Expect(cust.Entity.ID).NotTo(Equal(c.Entity.ID))
	})

	It("should resolve an empty party to nothing", func() {
		res, err := resolver.Resolve(ctx, "tenant-a", invoice.Party{Kind: invoice.EntityCustomer, Email: "x@y.com"})
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(BeNil())
	})

	It("should refuse to resolve without a tenant", func() {
		_, err := resolver.Resolve(ctx, "", company("ABC Corp", ""))
		Expect(invoice.KindOf(err)).To(Equal(invoice.KindTenantIsolation))
	})

	When("a concurrent create wins the race", func() {
		BeforeEach(func() {
			s = &racingStore{BoltDB: db}
		})

		It("should retry and link to the winner", func() {
			res, err := resolver.Resolve(ctx, "tenant-a", company("ABC Corp", "123"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Created).To(BeFalse())
			Expect(res.Entity.ID).To(Equal("rival"))
		})

		When("retries are disabled", func() {
			BeforeEach(func() {
				cfg.MaxConflictRetries = 0
			})

			It("should report the conflict", func() {
				_, err := resolver.Resolve(ctx, "tenant-a", company("ABC Corp", "123"))
				Expect(invoice.KindOf(err)).To(Equal(invoice.KindEntityResolutionConflict))
				Expect(invoice.KindOf(err).Transient()).To(BeTrue())
			})
		})
	})

	When("the store returns another tenant's entity", func() {
		BeforeEach(func() {
			s = &leakyStore{BoltDB: db}
		})

		It("should fail with a tenant isolation violation", func() {
			_, err := resolver.Resolve(ctx, "tenant-a", company("ABC Corp", "123"))
			Expect(invoice.KindOf(err)).To(Equal(invoice.KindTenantIsolation))
		})
	})

	When("many submissions for one company race", func() {
		It("should create exactly one entity", func() {
			const n = 8
			var wg sync.WaitGroup
			results := make([]*Resolution, n)
			for i := range n {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					name := "ABC Corp"
					if i%2 == 1 {
						name = "ABC Corporation"
					}
					res, err := resolver.Resolve(ctx, "tenant-a", company(name, "123456789"))
					Expect(err).NotTo(HaveOccurred())
					results[i] = res
				}()
			}
			wg.Wait()

			created := 0
			for _, r := range results {
				Expect(r.Entity.ID).To(Equal(results[0].Entity.ID))
				if r.Created {
					created++
				}
			}
			Expect(created).To(Equal(1))

			all, err := db.ListEntities(ctx, "tenant-a", invoice.EntityCompany)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(1))
		})
	})
})
