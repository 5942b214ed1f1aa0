// Package offline keeps client replica state on disk so unsaved edits survive restarts and outages.
package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketReplicas = []byte("replicas")

// ErrNotFound indicates no replica is stored for the contract.
var ErrNotFound = errors.New("offline: replica not found")

// Record is a stored replica.
type Record struct {
	ContractID string    `json:"contract_id"`
	State      []byte    `json:"state"`
	Dirty      bool      `json:"dirty"`
	SavedAt    time.Time `json:"saved_at"`
}

// Store is a bbolt-backed replica cache.
type Store struct {
	db    *bbolt.DB
	clock func() time.Time
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(bucketReplicas)
		return createErr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize offline store: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores the replica state for a contract, replacing the previous record.
func (s *Store) Save(contractID string, state []byte, dirty bool) error {
	record := Record{ContractID: contractID, State: state, Dirty: dirty, SavedAt: s.clock().UTC()}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode replica record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketReplicas)
		if bucket == nil {
			return fmt.Errorf("replicas bucket not found")
		}
		return bucket.Put([]byte(contractID), encoded)
	})
}

// Load returns the stored replica for a contract.
func (s *Store) Load(contractID string) (Record, error) {
	var record Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketReplicas)
		if bucket == nil {
			return fmt.Errorf("replicas bucket not found")
		}
		data := bucket.Get([]byte(contractID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// Delete removes the stored replica for a contract.
func (s *Store) Delete(contractID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketReplicas)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(contractID))
	})
}

// Dirty lists the contracts with edits not yet captured in a snapshot.
func (s *Store) Dirty() ([]string, error) {
	var contractIDs []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketReplicas)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(key, value []byte) error {
			var record Record
			if err := json.Unmarshal(value, &record); err != nil {
				return fmt.Errorf("failed to decode replica record %q: %w", key, err)
			}
			if record.Dirty {
				contractIDs = append(contractIDs, string(key))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return contractIDs, nil
}
