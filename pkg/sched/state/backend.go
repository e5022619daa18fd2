// Package state defines the scheduler's State Backend abstraction: a
// small KV interface plus a named distributed lock, with an in-process
// BoltDB implementation and a Raft-backed HA implementation that
// satisfy the same contract.
package state

import "context"

// KV is a single key/value pair returned from a Scan.
type KV struct {
	Key   string
	Value []byte
}

// Lock represents a held named lock. Release must be safe to call more
// than once and must be safe to call from a defer even on an error
// path: an unreleased lock is a permanent outage for that name.
type Lock interface {
	// Release unlocks the lock. Calling Release more than once is a
	// no-op.
	Release() error
}

// Backend is the storage contract every scheduler component depends on.
// Values are opaque byte slices; the callers in this module encode them
// as JSON (not protobuf), and the backend never interprets them.
type Backend interface {
	// Get returns the value stored at key. ok is false if the key does
	// not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put stores value at key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a nonexistent key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns every key/value pair whose key has the given prefix,
	// in unspecified order.
	Scan(ctx context.Context, prefix string) ([]KV, error)

	// Lock acquires a named lock, blocking until it is available or ctx
	// is cancelled.
	Lock(ctx context.Context, name string) (Lock, error)

	// Close releases any resources held by the backend.
	Close() error
}

// WithLock acquires the named lock, runs fn, and always releases the
// lock afterward regardless of whether fn returns an error.
func WithLock(ctx context.Context, b Backend, name string, fn func() error) error {
	lock, err := b.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer lock.Release()

	return fn()
}
