package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the requested namespace
var ErrNotFound = errors.New("key not found")

// KVStoreEachFunc is the function that gets called on each item in the Each function.
// key is given without its namespace. Returning an error stops the iteration
type KVStoreEachFunc func(key, value []byte) error

// KVStore defines an embedded key/value store database interface.
type KVStore interface {
	Get(namespace, key []byte) (value []byte, err error)
	SetEx(namespace, key, value []byte, ttl time.Duration) error
	Set(namespace, key, value []byte) error
	Has(namespace, key []byte) (bool, error)
	All(namespace, prefix []byte) ([][]byte, error)
	Count(namespace, prefix []byte) (int, error)
	Remove(namespace, key []byte) error
	Each(namespace []byte, prefix []byte, callback KVStoreEachFunc) error
	Close() error
}
