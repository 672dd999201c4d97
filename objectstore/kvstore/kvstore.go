// Package kvstore implements the ordered KV half of the object store
// (spec §4.2): large joint JSON bodies and range-scannable secondary
// indexes under the key grammar of spec §6 ("j\n", "df\n", "dfv\n",
// "st\n"), plus an atomic write-batch with a reverse-batch for rollback
// (spec §4.2, §4.7).
//
// Grounded directly on the teacher's node/store/db.go (bucket-per-
// namespace layout, bolt.Update/View transaction scoping) and
// node/store/undo.go (reverse-apply-on-rollback, generalized here from
// UTXO-specific undo records into a namespace-agnostic reverse-batch).
package kvstore

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Namespace prefixes, spec §6 "KV namespaces".
const (
	PrefixJoint        = "j\n"
	PrefixDataFeed     = "df\n"
	PrefixDataFeedLast = "dfv\n"
	PrefixAAState      = "st\n"
)

var bucket = []byte("kv")

// Store owns a single bbolt database file backing every KV namespace.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kvstore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads a single key. ok is false if the key is absent.
func (s *Store) Get(key string) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

// ScanPrefix returns up to limit+1 (key, value) pairs whose key has the
// given prefix, in key order, starting at cursor (exclusive) if
// cursor != "". The limit+1 contract lets callers detect truncation
// without buffering more than limit+1 results (spec §4.10 "MUST bound
// its result").
func (s *Store) ScanPrefix(prefix string, cursor string, limit int) ([]KV, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("kvstore: limit must be > 0")
	}
	var out []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		p := []byte(prefix)
		var k, v []byte
		if cursor != "" {
			k, v = c.Seek([]byte(cursor))
			if bytes.Equal(k, []byte(cursor)) {
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek(p)
		}
		for ; k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out = append(out, KV{Key: string(k), Value: append([]byte(nil), v...)})
			if len(out) > limit {
				// Stop the scan itself at limit+1; never buffer more.
				break
			}
		}
		return nil
	})
	return out, err
}

// KV is a single scanned key/value pair.
type KV struct {
	Key   string
	Value []byte
}

// Batch accumulates puts for one logical write, plus a reverse-batch of
// the prior values so a failed paired relational COMMIT can be undone
// (spec §4.2 "the writer is responsible for restoring the KV store to
// a consistent state ... achieved by a reverse batch").
type Batch struct {
	store   *Store
	puts    map[string][]byte
	reverse map[string][]byte // key -> prior value, nil => key did not exist
	order   []string
}

// NewBatch starts an empty batch bound to this store.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, puts: make(map[string][]byte), reverse: make(map[string][]byte)}
}

// Put stages a key/value write, recording the prior value for reverse
// application.
func (b *Batch) Put(key string, value []byte) error {
	if _, already := b.puts[key]; !already {
		prior, ok, err := b.store.Get(key)
		if err != nil {
			return fmt.Errorf("kvstore: batch put read prior: %w", err)
		}
		if ok {
			b.reverse[key] = prior
		} else {
			b.reverse[key] = nil
		}
		b.order = append(b.order, key)
	}
	b.puts[key] = value
	return nil
}

// WriteOpts controls durability of a batch write.
type WriteOpts struct {
	Sync bool
}

// Write commits every staged put in one bbolt transaction. When
// opts.Sync is true the transaction is flushed before returning,
// matching the spec's batch.write({sync:true}) contract that must
// complete before the paired relational COMMIT is issued.
func (b *Batch) Write(opts WriteOpts) error {
	err := b.store.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		for _, k := range b.order {
			if err := bk.Put([]byte(k), b.puts[k]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: batch write: %w", err)
	}
	if opts.Sync {
		if err := b.store.db.Sync(); err != nil {
			return fmt.Errorf("kvstore: batch sync: %w", err)
		}
	}
	return nil
}

// Rollback reverse-applies every staged put, restoring prior values
// (or deleting keys that did not previously exist). Used when the
// paired relational COMMIT fails after the KV batch already synced
// (spec §4.2, §4.7).
func (b *Batch) Rollback() error {
	return b.store.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		for i := len(b.order) - 1; i >= 0; i-- {
			k := b.order[i]
			prior := b.reverse[k]
			if prior == nil {
				if err := bk.Delete([]byte(k)); err != nil {
					return err
				}
				continue
			}
			if err := bk.Put([]byte(k), prior); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteDirect removes a single key outside of any batch, syncing
// immediately. Used only by startup recovery to purge KV entries left
// behind by a crash between the KV sync and the paired relational
// COMMIT (spec §4.2/§4.7 "the writer is responsible for restoring the
// KV store to a consistent state"); normal write paths use Batch so
// failures can be reverse-applied instead of guessed at.
func (s *Store) DeleteDirect(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return s.db.Sync()
}

// JointKey returns the KV key for a unit's full joint JSON body.
func JointKey(unitID string) string {
	return PrefixJoint + unitID
}

// DataFeedKey returns the KV key grammar for a ranged data-feed index
// entry: "df\n"address"\n"feed"\n"type"\n"value"\n"mci (spec §4.2).
func DataFeedKey(address, feed, valueType, value string, mci uint32) string {
	return fmt.Sprintf("%s%s\n%s\n%s\n%s\n%010d", PrefixDataFeed, address, feed, valueType, value, mci)
}

// DataFeedLastKey returns the KV key for the latest-value index:
// "dfv\n"address"\n"feed.
func DataFeedLastKey(address, feed string) string {
	return fmt.Sprintf("%s%s\n%s", PrefixDataFeedLast, address, feed)
}

// AAStateKey returns the KV key for an AA state variable:
// "st\n"aa_address"\n"var_name.
func AAStateKey(aaAddress, varName string) string {
	return fmt.Sprintf("%s%s\n%s", PrefixAAState, aaAddress, varName)
}
