package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store on an embedded Badger database, so snapshots
// survive a restart of a single probe instance.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
	mu  sync.RWMutex
}

// NewBadgerStore opens (or creates) a Badger database at path. An empty path
// keeps the database in memory. ttl of zero keeps snapshots until replaced.
func NewBadgerStore(path string, ttl time.Duration) (*BadgerStore, error) {
	if ttl < 0 {
		return nil, errors.New("badger ttl must be >= 0")
	}

	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}
	return &BadgerStore{db: db, ttl: ttl}, nil
}

// Put stores a snapshot under its key.
func (b *BadgerStore) Put(ctx context.Context, s Snapshot) error {
	if s.Key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return badger.ErrDBClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+s.Key), data)
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
}

// GetLatest retrieves the snapshot stored under key.
func (b *BadgerStore) GetLatest(ctx context.Context, key string) (Snapshot, bool, error) {
	if key == "" {
		return Snapshot{}, false, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return Snapshot{}, false, badger.ErrDBClosed
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to get snapshot from badger: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, true, nil
}

// Close closes the database. It is idempotent.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Ping fails once the database is closed.
func (b *BadgerStore) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil || b.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return ctx.Err()
}
