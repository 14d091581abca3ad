package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/keylock"
	"github.com/zombor/invoice-pipeline/internal/store"
)

// Store is the tenant-scoped entity store the resolver reads and writes.
type Store interface {
	FindEntityByTaxID(ctx context.Context, tenantID string, kind invoice.EntityKind, taxID string) (*invoice.Entity, error)
	FindEntityByKey(ctx context.Context, tenantID string, kind invoice.EntityKind, key string) (*invoice.Entity, error)
	ListEntities(ctx context.Context, tenantID string, kind invoice.EntityKind) ([]*invoice.Entity, error)
	CreateEntity(ctx context.Context, e *invoice.Entity) error
	UpdateEntity(ctx context.Context, e *invoice.Entity) error
}

// Config holds the matching parameters.
type Config struct {
	// Threshold is the minimum similarity for linking to an existing entity.
	Threshold float64
	// MaxConflictRetries bounds how often a create that lost a race is retried.
	MaxConflictRetries int
}

// DefaultConfig returns the default matching parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:          0.85,
		MaxConflictRetries: 3,
	}
}

// Resolution is the outcome of resolving one party.
type Resolution struct {
	Entity     *invoice.Entity
	Created    bool
	Confidence float64
}

// Resolver finds or creates canonical entities. Find-or-create runs under
// a per-tenant lock.
type Resolver struct {
	store       Store
	cfg         Config
	scorer      Scorer
	locks       *keylock.Table
	idGenerator invoice.IDGenerator
	timeSource  invoice.TimeSource
}

// NewResolver creates a Resolver with the default scorer, UUIDs and the system clock
func NewResolver(s Store, cfg Config) *Resolver {
	return NewResolverWithDeps(s, cfg, DefaultScorer(), invoice.UUIDGenerator{}, invoice.SystemClock{})
}

// NewResolverWithDeps creates a Resolver with custom dependencies for testing
func NewResolverWithDeps(s Store, cfg Config, scorer Scorer, idGen invoice.IDGenerator, timeSrc invoice.TimeSource) *Resolver {
	return &Resolver{
		store:       s,
		cfg:         cfg,
		scorer:      scorer,
		locks:       keylock.New(),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Resolve links the party to an existing entity of the tenant or creates a
// new one. An empty party resolves to nil.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, p invoice.Party) (*Resolution, error) {
	p = normalizeParty(p)
	if p.Empty() {
		return nil, nil
	}
	if tenantID == "" {
		return nil, invoice.NewError(invoice.KindTenantIsolation, "entity resolution without a tenant", nil)
	}

	unlock, err := r.locks.Lock(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("waiting for tenant lock: %w", err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		res, err := r.findOrCreate(ctx, tenantID, p)
		if err == nil {
			return res, nil
		}
		if invoice.KindOf(err) != invoice.KindEntityResolutionConflict || attempt >= r.cfg.MaxConflictRetries {
			return nil, err
		}
		slog.Warn("Entity resolution conflict, retrying", "tenant_id", tenantID, "kind", p.Kind, "attempt", attempt+1, "error", err)
	}
}

func normalizeParty(p invoice.Party) invoice.Party {
	p.Name = strings.Join(strings.Fields(p.Name), " ")
	p.TaxID = NormalizeTaxID(p.TaxID)
	p.Email = NormalizeEmail(p.Email)
	p.Phone = NormalizePhone(p.Phone)
	p.Website = NormalizeWebsite(p.Website)
	p.Address = strings.TrimSpace(p.Address)
	return p
}

func (r *Resolver) findOrCreate(ctx context.Context, tenantID string, p invoice.Party) (*Resolution, error) {
	if p.TaxID != "" {
		e, err := r.store.FindEntityByTaxID(ctx, tenantID, p.Kind, p.TaxID)
		switch {
		case err == nil:
			return r.link(ctx, tenantID, e, p, 1)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("finding entity by tax id: %w", err)
		}
	}

	canonical := CanonicalName(p.Name)
	if canonical != "" {
		key := (&invoice.Entity{CanonicalName: canonical, TaxID: p.TaxID}).Key()
		e, err := r.store.FindEntityByKey(ctx, tenantID, p.Kind, key)
		switch {
		case err == nil:
			return r.link(ctx, tenantID, e, p, 1)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("finding entity by key: %w", err)
		}

		best, score, err := r.bestMatch(ctx, tenantID, p)
		if err != nil {
			return nil, err
		}
		if best != nil && score >= r.cfg.Threshold {
			return r.link(ctx, tenantID, best, p, score)
		}
		if best != nil {
			slog.Debug("Closest entity below threshold", "tenant_id", tenantID, "entity_id", best.ID, "score", score)
		}
	}

	return r.create(ctx, tenantID, p, canonical)
}

// bestMatch scores every entity of the kind. Entities with a different
// known tax ID are different parties and never match. Equal scores go to
// the oldest entity.
func (r *Resolver) bestMatch(ctx context.Context, tenantID string, p invoice.Party) (*invoice.Entity, float64, error) {
	entities, err := r.store.ListEntities(ctx, tenantID, p.Kind)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entities: %w", err)
	}

	var best *invoice.Entity
	var bestScore float64
	for _, e := range entities {
		if p.TaxID != "" && e.TaxID != "" && e.TaxID != p.TaxID {
			continue
		}
		score := r.scorer.Score(p, e)
		if best == nil || score > bestScore || (score == bestScore && older(e, best)) {
			best, bestScore = e, score
		}
	}
	return best, bestScore, nil
}

func older(a, b *invoice.Entity) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (r *Resolver) create(ctx context.Context, tenantID string, p invoice.Party, canonical string) (*Resolution, error) {
	now := r.timeSource.Now()
	e := &invoice.Entity{
		ID:            r.idGenerator.Generate(),
		TenantID:      tenantID,
		Kind:          p.Kind,
		Name:          p.Name,
		CanonicalName: canonical,
		TaxID:         p.TaxID,
		Email:         p.Email,
		Phone:         p.Phone,
		Website:       p.Website,
		Address:       p.Address,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateEntity(ctx, e); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, invoice.NewError(invoice.KindEntityResolutionConflict, "entity was created concurrently", err)
		}
		return nil, fmt.Errorf("creating entity: %w", err)
	}

	slog.Info("Created entity", "tenant_id", tenantID, "entity_id", e.ID, "kind", e.Kind, "name", e.Name)
	return &Resolution{Entity: e, Created: true, Confidence: 1}, nil
}

// link attaches the party to e, recording a new spelling as an alias and
// filling fields the entity does not know yet. Known fields are never
// overwritten.
func (r *Resolver) link(ctx context.Context, tenantID string, e *invoice.Entity, p invoice.Party, confidence float64) (*Resolution, error) {
	if e.TenantID != tenantID {
		return nil, invoice.NewError(invoice.KindTenantIsolation, "entity store returned another tenant's entity",
			fmt.Errorf("entity %s belongs to %q, lookup was for %q", e.ID, e.TenantID, tenantID))
	}

	changed := false
	if p.Name != "" && !e.HasAlias(p.Name) {
		if e.Name == "" {
			e.Name = p.Name
			e.CanonicalName = CanonicalName(p.Name)
		} else {
			e.Aliases = append(e.Aliases, p.Name)
		}
		changed = true
	}
	if e.TaxID == "" && p.TaxID != "" {
		e.TaxID = p.TaxID
		changed = true
	}
	if e.Email == "" && p.Email != "" {
		e.Email = p.Email
		changed = true
	}
	if e.Phone == "" && p.Phone != "" {
		e.Phone = p.Phone
		changed = true
	}
	if e.Website == "" && p.Website != "" {
		e.Website = p.Website
		changed = true
	}
	if e.Address == "" && p.Address != "" {
		e.Address = p.Address
		changed = true
	}

	if changed {
		e.UpdatedAt = r.timeSource.Now()
		if err := r.store.UpdateEntity(ctx, e); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return nil, invoice.NewError(invoice.KindEntityResolutionConflict, "entity keys changed concurrently", err)
			}
			return nil, fmt.Errorf("updating entity: %w", err)
		}
	}

	slog.Debug("Linked entity", "tenant_id", tenantID, "entity_id", e.ID, "confidence", confidence)
	return &Resolution{Entity: e, Confidence: confidence}, nil
}
