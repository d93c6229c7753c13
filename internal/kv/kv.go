// Package kv provides the durable key-value storage behind the local message cache.
package kv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnknownDriver indicates an unsupported storage driver name.
	ErrUnknownDriver = errors.New("kv: unknown driver")
	// ErrPathRequired indicates a durable driver was opened without a path.
	ErrPathRequired = errors.New("kv: path is required")
)

const (
	DriverMemory = "memory"
	DriverPebble = "pebble"
	DriverSQLite = "sqlite"
)

// Storage is a flat string-keyed byte store.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Keys lists keys starting with prefix in ascending order.
	Keys(prefix string) ([]string, error)
	Close() error
}

// Open constructs the storage named by driver rooted at path.
func Open(driver, path string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory:
		return NewMemory(), nil
	case "", DriverPebble:
		if strings.TrimSpace(path) == "" {
			return nil, ErrPathRequired
		}
		return OpenPebble(path)
	case DriverSQLite:
		if strings.TrimSpace(path) == "" {
			return nil, ErrPathRequired
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
