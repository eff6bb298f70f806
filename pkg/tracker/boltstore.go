package tracker

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/warrendeploy/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketExecutions = []byte("executions")

// BoltStore is a DurableStore backed by an embedded bbolt database, one
// bucket keyed by executionId. Grounded on this codebase's bucket-per-
// entity BoltDB store, trimmed to the single executions bucket this domain
// needs.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "warrendeploy.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketExecutions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Save upserts the latest state for state.ExecutionID.
func (s *BoltStore) Save(state types.PipelineExecutionState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.ExecutionID), data)
	})
}

// Delete removes the persisted record for executionID.
func (s *BoltStore) Delete(executionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		return b.Delete([]byte(executionID))
	})
}

// LoadAll returns every persisted execution state, for Tracker's restart
// reconstruction.
func (s *BoltStore) LoadAll() ([]types.PipelineExecutionState, error) {
	var out []types.PipelineExecutionState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		return b.ForEach(func(k, v []byte) error {
			var state types.PipelineExecutionState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			out = append(out, state)
			return nil
		})
	})
	return out, err
}
