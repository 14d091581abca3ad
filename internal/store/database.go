// Package store persists pipeline state in BoltDB and raw uploads on disk.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a keyed lookup has no value.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a create would violate a unique index.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrQueueClosed is returned by Pop after Close.
	ErrQueueClosed = errors.New("queue closed")
)

const (
	documentsBucket      = "documents"
	documentHashesBucket = "document_hashes"
	documentJobsBucket   = "document_jobs"
	jobsBucket           = "jobs"
	auditBucket          = "audit"
	checkpointsBucket    = "checkpoints"
	queueBucket          = "queue"
	inflightBucket       = "queue_inflight"
	entitiesBucket       = "entities"
	entityKeysBucket     = "entity_keys"
	entityTaxIDsBucket   = "entity_taxids"
	invoicesBucket       = "invoices"
	invoiceNumbersBucket = "invoice_numbers"
)

var topLevelBuckets = []string{
	documentsBucket,
	documentHashesBucket,
	documentJobsBucket,
	jobsBucket,
	auditBucket,
	checkpointsBucket,
	queueBucket,
	inflightBucket,
	entitiesBucket,
	entityKeysBucket,
	entityTaxIDsBucket,
	invoicesBucket,
	invoiceNumbersBucket,
}

// BoltDB stores documents, jobs, the audit trail, the durable job queue,
// tenant entities and invoice records in a single BoltDB file.
type BoltDB struct {
	db *bbolt.DB

	// notify wakes blocked Pop callers after a Push.
	notify    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// NewBoltDB opens (or creates) the database at path. Queue entries left in
// flight by a previous process are returned to the queue.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	b := &BoltDB{
		db:     db,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	if err := b.requeueInflight(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recovering queue: %w", err)
	}
	return b, nil
}

// Close closes the database and releases blocked queue consumers.
func (b *BoltDB) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return b.db.Close()
}

func putJSON(bucket *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return bucket.Put([]byte(key), data)
}

func getJSON(bucket *bbolt.Bucket, key string, v any) error {
	if bucket == nil {
		return ErrNotFound
	}
	data := bucket.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return nil
}

// nested returns the named sub-bucket of parent, creating it when create is set.
func nested(parent *bbolt.Bucket, name string, create bool) (*bbolt.Bucket, error) {
	if parent == nil {
		return nil, nil
	}
	if !create {
		return parent.Bucket([]byte(name)), nil
	}
	return parent.CreateBucketIfNotExists([]byte(name))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
