package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	log "github.com/sirupsen/logrus"
)

// GCInterval is how often the value log garbage collection runs
var GCInterval = 10 * time.Minute

// BadgerDB is a wrapper around a BadgerDB backend database that implements
// the KVStore interface.
type BadgerDB struct {
	db  *badger.DB
	ctx context.Context
}

// NewBadgerDB returns a new initialized BadgerDB database implementing the KVStore
// interface. An empty dataDir opens an in-memory database.
func NewBadgerDB(ctx context.Context, dataDir string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(dataDir).WithLogger(log.StandardLogger())
	if dataDir == "" {
		opts = opts.WithInMemory(true)
	} else {
		opts.SyncWrites = true
	}

	badgerDB, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dataDir, err)
	}

	bdb := &BadgerDB{
		db:  badgerDB,
		ctx: ctx,
	}

	if dataDir != "" {
		go bdb.runGC()
	}
	return bdb, nil
}

// Get returns the value stored for key in namespace or ErrNotFound
func (bdb *BadgerDB) Get(namespace, key []byte) ([]byte, error) {
	var value []byte

	err := bdb.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(namespaceKey(namespace, key))
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Set stores value for key in namespace without expiration
func (bdb *BadgerDB) Set(namespace, key, value []byte) error {
	return bdb.db.Update(func(txn *badger.Txn) error {
		return txn.Set(namespaceKey(namespace, key), value)
	})
}

// SetEx stores the given key and value for the time given by ttl
func (bdb *BadgerDB) SetEx(namespace, key, value []byte, ttl time.Duration) error {
	err := bdb.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(namespaceKey(namespace, key), value).WithTTL(ttl)
		return txn.SetEntry(e)
	})

	if err != nil {
		log.Warnf("badger setex %s/%s: %s", namespace, key, err)
		return err
	}

	return nil
}

// Remove removes a single entry from the database
func (bdb *BadgerDB) Remove(namespace, key []byte) error {
	return bdb.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(namespaceKey(namespace, key))
	})
}

// Has reports whether namespace holds key
func (bdb *BadgerDB) Has(namespace, key []byte) (bool, error) {
	_, err := bdb.Get(namespace, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}

	return true, nil
}

// Close closes the underlying database
func (bdb *BadgerDB) Close() error {
	return bdb.db.Close()
}

// runGC triggers the value log garbage collection. It should be run in a goroutine.
func (bdb *BadgerDB) runGC() {
	ticker := time.NewTicker(GCInterval)
	for {
		select {
		case <-ticker.C:
			err := bdb.db.RunValueLogGC(0.5)
			if err != nil {
				// don't report error when GC didn't result in any cleanup
				if errors.Is(err, badger.ErrNoRewrite) {
					log.Debugf("no BadgerDB GC occurred: %v", err)
				} else {
					log.Errorf("failed to GC BadgerDB: %v", err)
				}
			}

		case <-bdb.ctx.Done():
			ticker.Stop()
			return
		}
	}
}

// All returns all values for the given namespace and prefix.
func (bdb *BadgerDB) All(namespace, prefix []byte) ([][]byte, error) {
	res := make([][]byte, 0)

	err := bdb.Each(namespace, prefix, func(_, v []byte) error {
		res = append(res, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Each iterates over all items that match namespace and prefix.
// The slices passed to callback are copies and may be retained
func (bdb *BadgerDB) Each(namespace, prefix []byte, callback KVStoreEachFunc) error {
	return bdb.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		nsLen := len(namespace) + 1
		p := namespaceKey(namespace, prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			k := item.KeyCopy(nil)[nsLen:]
			if err := callback(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of entries that match namespace and prefix
func (bdb *BadgerDB) Count(namespace, prefix []byte) (int, error) {
	c := 0

	err := bdb.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := namespaceKey(namespace, prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			c++
		}
		return nil
	})

	return c, err
}

// namespaceKey returns the composite key used for lookup and storage
func namespaceKey(namespace, key []byte) []byte {
	return []byte(fmt.Sprintf("%s/%s", namespace, key))
}
