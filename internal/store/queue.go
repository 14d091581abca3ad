package store

import (
	"context"
	"time"

	"go.etcd.io/bbolt"
)

// pollInterval bounds how long Pop sleeps when no Push notification arrives,
// e.g. when another handle on the same file enqueued work.
const pollInterval = 250 * time.Millisecond

// Push appends a job ID to the durable queue.
func (b *BoltDB) Push(ctx context.Context, jobID string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		q := tx.Bucket([]byte(queueBucket))
		seq, err := q.NextSequence()
		if err != nil {
			return err
		}
		return q.Put(itob(seq), []byte(jobID))
	})
	if err != nil {
		return err
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until a job ID is available and moves it to the in-flight set.
// The caller must Ack it once the job no longer needs the queue.
func (b *BoltDB) Pop(ctx context.Context) (string, error) {
	for {
		select {
		case <-b.closed:
			return "", ErrQueueClosed
		default:
		}

		id, ok, err := b.take()
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.closed:
			return "", ErrQueueClosed
		case <-b.notify:
		case <-time.After(pollInterval):
		}
	}
}

func (b *BoltDB) take() (string, bool, error) {
	var (
		id string
		ok bool
	)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		q := tx.Bucket([]byte(queueBucket))
		k, v := q.Cursor().First()
		if k == nil {
			return nil
		}
		k, v = append([]byte(nil), k...), append([]byte(nil), v...)
		id, ok = string(v), true
		if err := tx.Bucket([]byte(inflightBucket)).Put(v, k); err != nil {
			return err
		}
		return q.Delete(k)
	})
	return id, ok, err
}

// Ack removes a job ID from the in-flight set.
func (b *BoltDB) Ack(ctx context.Context, jobID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(inflightBucket)).Delete([]byte(jobID))
	})
}

// QueueLen returns the number of queued (not in-flight) entries.
func (b *BoltDB) QueueLen(ctx context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(queueBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// QueuedIDs returns the set of job IDs that are queued or in flight.
func (b *BoltDB) QueuedIDs(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	err := b.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket([]byte(queueBucket)).ForEach(func(k, v []byte) error {
			ids[string(v)] = true
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(inflightBucket)).ForEach(func(k, v []byte) error {
			ids[string(k)] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// requeueInflight returns entries popped but never acknowledged to the head
// of the queue, preserving their original order.
func (b *BoltDB) requeueInflight() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		inflight := tx.Bucket([]byte(inflightBucket))
		q := tx.Bucket([]byte(queueBucket))
		var ids [][]byte
		err := inflight.ForEach(func(k, v []byte) error {
			k, v = append([]byte(nil), k...), append([]byte(nil), v...)
			if err := q.Put(v, k); err != nil {
				return err
			}
			ids = append(ids, k)
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := inflight.Delete(id); err != nil {
				return err
			}
		}
		return nil
	})
}
