package lookup

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Cache keeps raw source responses for a fixed time so repeated ingests of
// the same book do not hit the network.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenCache opens a response cache in dir. An empty dir keeps the cache in
// memory. Entries expire after ttl; ttl <= 0 defaults to 24h.
func OpenCache(dir string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening lookup cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set stores val under key with the cache TTL.
func (c *Cache) Set(key string, val []byte) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), val).WithTTL(c.ttl))
	})
	if err != nil {
		return fmt.Errorf("caching %s: %w", key, err)
	}
	return nil
}

// Delete drops key. Missing keys are not an error.
func (c *Cache) Delete(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("evicting %s: %w", key, err)
	}
	return nil
}
