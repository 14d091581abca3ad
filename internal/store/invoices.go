package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// invoiceNumberKey identifies an invoice by its issuer and printed number.
// Records without either are not indexed.
func invoiceNumberKey(companyID, number string) string {
	number = strings.ToUpper(strings.TrimSpace(number))
	if companyID == "" || number == "" {
		return ""
	}
	return companyID + "|" + number
}

func putInvoice(tx *bbolt.Tx, rec *invoice.Record) error {
	tenant, err := nested(tx.Bucket([]byte(invoicesBucket)), rec.TenantID, true)
	if err != nil {
		return fmt.Errorf("creating tenant bucket: %w", err)
	}
	if err := putJSON(tenant, rec.ID, rec); err != nil {
		return err
	}

	var companyID string
	if rec.Company != nil {
		companyID = rec.Company.ID
	}
	key := invoiceNumberKey(companyID, rec.InvoiceNumber)
	if key == "" {
		return nil
	}
	numbers, err := nested(tx.Bucket([]byte(invoiceNumbersBucket)), rec.TenantID, true)
	if err != nil {
		return fmt.Errorf("creating tenant bucket: %w", err)
	}
	// the first record of a number keeps the index entry while it still
	// carries that number
	if cur := numbers.Get([]byte(key)); cur != nil && string(cur) != rec.ID {
		var owner invoice.Record
		if err := getJSON(tenant, string(cur), &owner); err == nil && owner.Company != nil &&
			invoiceNumberKey(owner.Company.ID, owner.InvoiceNumber) == key {
			return nil
		}
	}
	return numbers.Put([]byte(key), []byte(rec.ID))
}

// FindInvoiceByNumber returns the tenant's first recorded invoice with the
// given issuer and invoice number.
func (b *BoltDB) FindInvoiceByNumber(ctx context.Context, tenantID, companyID, number string) (*invoice.Record, error) {
	key := invoiceNumberKey(companyID, number)
	if key == "" {
		return nil, ErrNotFound
	}
	var rec invoice.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		numbers := tx.Bucket([]byte(invoiceNumbersBucket)).Bucket([]byte(tenantID))
		if numbers == nil {
			return ErrNotFound
		}
		id := numbers.Get([]byte(key))
		if id == nil {
			return ErrNotFound
		}
		tenant := tx.Bucket([]byte(invoicesBucket)).Bucket([]byte(tenantID))
		if err := getJSON(tenant, string(id), &rec); err != nil {
			return err
		}
		// a reviewer may have corrected the number or issuer since
		if rec.Company == nil || invoiceNumberKey(rec.Company.ID, rec.InvoiceNumber) != key {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", number, err)
	}
	return &rec, nil
}

// GetInvoice retrieves a tenant's invoice record.
func (b *BoltDB) GetInvoice(ctx context.Context, tenantID, id string) (*invoice.Record, error) {
	var rec invoice.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		tenant := tx.Bucket([]byte(invoicesBucket)).Bucket([]byte(tenantID))
		return getJSON(tenant, id, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", id, err)
	}
	return &rec, nil
}

// ListInvoices returns every invoice record of a tenant.
func (b *BoltDB) ListInvoices(ctx context.Context, tenantID string) ([]*invoice.Record, error) {
	records := make([]*invoice.Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		tenant := tx.Bucket([]byte(invoicesBucket)).Bucket([]byte(tenantID))
		if tenant == nil {
			return nil
		}
		return tenant.ForEach(func(k, v []byte) error {
			var rec invoice.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling invoice: %w", err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
