package state

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// BoltBackend is the in-process State Backend implementation: a single
// BoltDB bucket holding every key, with locking provided by an
// in-process mutex registry. One bucket suffices because keys are
// already namespaced by prefix (executors/, executor_data/, sessions/,
// jobs/, locks/).
type BoltBackend struct {
	db    *bolt.DB
	locks *lockRegistry
}

// NewBoltBackend opens (creating if necessary) a BoltDB-backed state
// store under dataDir.
func NewBoltBackend(dataDir string) (*BoltBackend, error) {
	path := filepath.Join(dataDir, "scheduler-state.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &BoltBackend{db: db, locks: newLockRegistry()}, nil
}

func (b *BoltBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var ok bool

	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v != nil {
			ok = true
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, ok, nil
}

func (b *BoltBackend) Put(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (b *BoltBackend) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *BoltBackend) Scan(_ context.Context, prefix string) ([]KV, error) {
	var result []KV

	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			result = append(result, KV{
				Key:   string(k),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return result, nil
}

func (b *BoltBackend) Lock(ctx context.Context, name string) (Lock, error) {
	return b.locks.acquire(ctx, "locks/"+name)
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
