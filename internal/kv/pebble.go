package kv

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Pebble stores entries in an on-disk Pebble database.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(key string) ([]byte, error) {
	value, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (p *Pebble) Set(key string, value []byte) error {
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) Delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) Keys(prefix string) ([]string, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	start := []byte(prefix)
	var keys []string
	for iter.SeekGE(start); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), start) {
			break
		}
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	return keys, nil
}

func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
