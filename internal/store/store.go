// Package store persists each device's cached snapshot so the
// change-detection baseline survives restarts.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when no cached state exists for a device.
var ErrNotFound = errors.New("not found")

var bucketCached = []byte("cached")

// Store is a BoltDB-backed key/value store keyed by device id.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCached)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveCached persists a device's cached field values. Called after each
// confirmed push or confirmed refresh.
func (s *Store) SaveCached(deviceID string, fields map[string]interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCached)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCached)
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		return b.Put([]byte(deviceID), data)
	})
}

// LoadCached returns a device's persisted cached fields, or ErrNotFound
// for a device seen for the first time.
func (s *Store) LoadCached(deviceID string) (map[string]interface{}, error) {
	var fields map[string]interface{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCached)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCached)
		}
		data := b.Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &fields)
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// DeleteCached removes a device's persisted state.
func (s *Store) DeleteCached(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCached)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCached)
		}
		return b.Delete([]byte(deviceID))
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
