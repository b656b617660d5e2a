// Package controlstore persists the control server's view of running
// sender instances in an embedded bbolt database, so it survives the
// control server's own restart (SPEC_FULL.md §3 "Instance record" — a
// durability upgrade over the original implementation's flat JSON file).
// Grounded on the teacher's pkg/storage bucket-per-entity BoltDB pattern.
package controlstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketInstances = []byte("instances")

// State names where a sender instance currently sits in its lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Instance is the control-server-only record named in SPEC_FULL.md §3.
type Instance struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	ConfigPath string    `json:"config_path"`
	StartedAt  time.Time `json:"started_at"`
	State      State     `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
}

// Store persists Instance records.
type Store struct {
	db *bolt.DB
}

// Open creates (or reopens) the instance registry under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "hidra-control.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening control store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating instances bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Put upserts an instance record.
func (s *Store) Put(inst *Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("encoding instance %s: %w", inst.Name, err)
		}
		return tx.Bucket(bucketInstances).Put([]byte(inst.Name), data)
	})
}

// Get returns one instance by name.
func (s *Store) Get(name string) (*Instance, error) {
	var inst Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("instance %q not found", name)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// List returns every known instance.
func (s *Store) List() ([]*Instance, error) {
	var out []*Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(_, v []byte) error {
			var inst Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			out = append(out, &inst)
			return nil
		})
	})
	return out, err
}

// Delete removes an instance record.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(name))
	})
}
