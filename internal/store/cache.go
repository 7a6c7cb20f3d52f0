package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// TTLCache is a BadgerDB-backed byte cache with per-entry expiry. It
// backs the search result cache and the highlight artifact registry.
type TTLCache struct {
	db         *badger.DB
	defaultTTL time.Duration
}

// badgerLoggerAdapter adapts slog.Logger to the badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenTTLCache opens a BadgerDB cache at dirPath with the given default
// TTL. An empty dirPath opens an in-memory cache for testing.
func OpenTTLCache(dirPath string, defaultTTL time.Duration) (*TTLCache, error) {
	var opts badger.Options
	if dirPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dirPath, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		opts = badger.DefaultOptions(dirPath)
	}
	opts.Logger = &badgerLoggerAdapter{logger: slog.Default()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &TTLCache{db: db, defaultTTL: defaultTTL}, nil
}

// Get returns the cached value for key, or (nil, false) when the key is
// absent or expired.
func (c *TTLCache) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

// Set stores value under key with the default TTL.
func (c *TTLCache) Set(key string, value []byte) error {
	return c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key with an explicit TTL. A zero TTL
// stores the entry without expiry.
func (c *TTLCache) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	err := c.db.Update(func(tx *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return tx.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (c *TTLCache) Delete(key string) error {
	err := c.db.Update(func(tx *badger.Txn) error {
		return tx.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every key with the given prefix. Used to
// invalidate all cached artifacts of a document on re-ingest.
func (c *TTLCache) DeletePrefix(prefix string) error {
	err := c.db.Update(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			key := iter.Item().KeyCopy(nil)
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache delete prefix %q: %w", prefix, err)
	}
	return nil
}

// RunGC triggers Badger value-log garbage collection. Safe to call
// periodically from a background loop.
func (c *TTLCache) RunGC() {
	for {
		if err := c.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}

// Close closes the underlying database.
func (c *TTLCache) Close() error {
	return c.db.Close()
}
