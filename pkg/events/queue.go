package events

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/nimbusforge/sokovan/pkg/wire"
)

// durableQueue persists one anycast group's pending events to a bbolt
// bucket before they are handed to a shard, and removes them once the
// handler acknowledges delivery. An event that is enqueued but never
// acked (process crash mid-handler) is replayed the next time a
// member joins the group.
type durableQueue struct {
	db     *bolt.DB
	bucket []byte
}

func newDurableQueue(db *bolt.DB, eventType EventType, name string) (*durableQueue, error) {
	bucket := []byte(fmt.Sprintf("events:%s:%s", eventType, name))
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		return nil, err
	}
	return &durableQueue{db: db, bucket: bucket}, nil
}

func (q *durableQueue) enqueue(ev wire.Event) (uint64, error) {
	var seq uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(q.bucket)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq = id
		data, err := msgpack.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(id), data)
	})
	return seq, err
}

func (q *durableQueue) ack(seq uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(q.bucket).Delete(seqKey(seq))
	})
}

// replay invokes fn for every event still pending, in sequence order.
func (q *durableQueue) replay(fn func(seq uint64, ev wire.Event)) error {
	return q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(q.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev wire.Event
			if err := msgpack.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode queued event: %w", err)
			}
			fn(binary.BigEndian.Uint64(k), ev)
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
