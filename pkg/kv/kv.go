// Package kv provides the durable key-value storage that SitePulse keeps its
// bounded logs and analytics flags in. The production implementation is
// backed by badger.
package kv

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the durable key-value contract used across SitePulse.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Scan calls fn for every key with the given prefix in key order.
	Scan(prefix string, fn func(key string, value []byte) error) error
	// Write applies a batch atomically.
	Write(b *Batch) error
	Close() error
}

// Batch is a set of writes applied in one transaction.
type Batch struct {
	Sets    []Entry
	Deletes []string
}

// Entry is a single key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Set queues a write.
func (b *Batch) Set(key string, value []byte) {
	b.Sets = append(b.Sets, Entry{Key: key, Value: value})
}

// Delete queues a delete.
func (b *Batch) Delete(key string) {
	b.Deletes = append(b.Deletes, key)
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.Sets) + len(b.Deletes)
}

// BadgerStore implements Store on a badger database.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (or creates) a badger database in dir.
func Open(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kv.Open: %s: %w", dir, err)
	}
	slog.Info("kv store opened", "component", "kv", "dir", dir)
	return &BadgerStore{db: db}, nil
}

// OpenInMemory opens a badger database that lives only for the process.
func OpenInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kv.OpenInMemory: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns a copy of the value stored under key.
func (s *BadgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv.Get %q: %w", key, err)
	}
	return out, nil
}

// Set stores value under key.
func (s *BadgerStore) Set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("kv.Set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("kv.Delete %q: %w", key, err)
	}
	return nil
}

// Scan iterates keys under prefix in ascending key order.
func (s *BadgerStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv.Scan %q: %w", prefix, err)
	}
	return nil
}

// Write applies all sets and deletes of b in a single transaction.
func (s *BadgerStore) Write(b *Batch) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, e := range b.Sets {
			if err := txn.Set([]byte(e.Key), e.Value); err != nil {
				return err
			}
		}
		for _, k := range b.Deletes {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv.Write: %w", err)
	}
	return nil
}

// Ping verifies the database accepts reads. Used as a health check.
func (s *BadgerStore) Ping() error {
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
