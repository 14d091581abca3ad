package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Entities live under entities/<tenant>/<kind>/<id>; unique indexes live
// under entity_keys/<tenant>/<kind>:<key> and
// entity_taxids/<tenant>/<kind>:<taxid>. A lookup never leaves its tenant bucket.

func indexKey(kind invoice.EntityKind, value string) []byte {
	return []byte(string(kind) + ":" + value)
}

func entityBucket(tx *bbolt.Tx, tenantID string, kind invoice.EntityKind, create bool) (*bbolt.Bucket, error) {
	tenant, err := nested(tx.Bucket([]byte(entitiesBucket)), tenantID, create)
	if err != nil || tenant == nil {
		return nil, err
	}
	return nested(tenant, string(kind), create)
}

// GetEntity retrieves a tenant's entity by ID.
func (b *BoltDB) GetEntity(ctx context.Context, tenantID string, kind invoice.EntityKind, id string) (*invoice.Entity, error) {
	var e invoice.Entity
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, err := entityBucket(tx, tenantID, kind, false)
		if err != nil {
			return err
		}
		return getJSON(bucket, id, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *BoltDB) findByIndex(index string, tenantID string, kind invoice.EntityKind, value string) (*invoice.Entity, error) {
	var e invoice.Entity
	err := b.db.View(func(tx *bbolt.Tx) error {
		idx, err := nested(tx.Bucket([]byte(index)), tenantID, false)
		if err != nil {
			return err
		}
		if idx == nil {
			return ErrNotFound
		}
		id := idx.Get(indexKey(kind, value))
		if id == nil {
			return ErrNotFound
		}
		bucket, err := entityBucket(tx, tenantID, kind, false)
		if err != nil {
			return err
		}
		return getJSON(bucket, string(id), &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindEntityByTaxID returns the tenant's entity with the given normalized tax ID.
func (b *BoltDB) FindEntityByTaxID(ctx context.Context, tenantID string, kind invoice.EntityKind, taxID string) (*invoice.Entity, error) {
	return b.findByIndex(entityTaxIDsBucket, tenantID, kind, taxID)
}

// FindEntityByKey returns the tenant's entity with the given identity key.
func (b *BoltDB) FindEntityByKey(ctx context.Context, tenantID string, kind invoice.EntityKind, key string) (*invoice.Entity, error) {
	return b.findByIndex(entityKeysBucket, tenantID, kind, key)
}

// ListEntities returns every entity of a kind for one tenant.
func (b *BoltDB) ListEntities(ctx context.Context, tenantID string, kind invoice.EntityKind) ([]*invoice.Entity, error) {
	entities := make([]*invoice.Entity, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, err := entityBucket(tx, tenantID, kind, false)
		if err != nil || bucket == nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			var e invoice.Entity
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling entity: %w", err)
			}
			entities = append(entities, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// CreateEntity inserts an entity. It fails with ErrDuplicateKey when the
// tenant already has an entity with the same key or tax ID.
func (b *BoltDB) CreateEntity(ctx context.Context, e *invoice.Entity) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := entityBucket(tx, e.TenantID, e.Kind, true)
		if err != nil {
			return err
		}
		if bucket.Get([]byte(e.ID)) != nil {
			return fmt.Errorf("entity %s: %w", e.ID, ErrDuplicateKey)
		}
		if err := claimIndexes(tx, e); err != nil {
			return err
		}
		return putJSON(bucket, e.ID, e)
	})
}

// UpdateEntity overwrites an existing entity and claims any new index values.
func (b *BoltDB) UpdateEntity(ctx context.Context, e *invoice.Entity) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := entityBucket(tx, e.TenantID, e.Kind, false)
		if err != nil {
			return err
		}
		if bucket == nil || bucket.Get([]byte(e.ID)) == nil {
			return fmt.Errorf("entity %s: %w", e.ID, ErrNotFound)
		}
		if err := claimIndexes(tx, e); err != nil {
			return err
		}
		return putJSON(bucket, e.ID, e)
	})
}

// claimIndexes points the key and tax-id indexes at e, failing if either
// value already belongs to another entity of the tenant. Keys an entity
// held before an update keep pointing at it.
func claimIndexes(tx *bbolt.Tx, e *invoice.Entity) error {
	claims := []struct {
		index string
		value string
	}{
		{entityKeysBucket, e.Key()},
		{entityTaxIDsBucket, e.TaxID},
	}
	for _, c := range claims {
		if c.value == "" {
			continue
		}
		idx, err := nested(tx.Bucket([]byte(c.index)), e.TenantID, true)
		if err != nil {
			return err
		}
		key := indexKey(e.Kind, c.value)
		if cur := idx.Get(key); cur != nil && string(cur) != e.ID {
			return fmt.Errorf("%s %q: %w", c.index, c.value, ErrDuplicateKey)
		}
		if err := idx.Put(key, []byte(e.ID)); err != nil {
			return err
		}
	}
	return nil
}
