// Package checkpoint persists the last committed batch of each pipeline.
//
// A checkpoint pairs the sequence number of the last committed batch with
// the opaque source position that batch ended at. A restarted pipeline reads
// it at startup, resumes the source after the position and continues the
// sequence from Seq+1.
package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/json"
)

// Checkpoint is the durable marker of the last committed batch.
type Checkpoint struct {
	Seq         uint64    `json:"seq"`
	Position    []byte    `json:"position,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
	// Rows is the running total of rows landed by the pipeline.
	Rows uint64 `json:"rows"`
}

// Store reads and writes checkpoints keyed by pipeline name.
type Store interface {
	// Load returns the checkpoint and whether one exists.
	Load(ctx context.Context, pipeline string) (Checkpoint, bool, error)
	// Save durably replaces the checkpoint.
	Save(ctx context.Context, pipeline string, cp Checkpoint) error
	// Reset deletes the checkpoint.
	Reset(ctx context.Context, pipeline string) error
	Close() error
}

// BoltStore keeps checkpoints in one bucket of a bbolt file. Every Save is
// a bbolt transaction and is fsynced before it returns.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	path   string
}

// Open opens or creates the checkpoint database at path.
func Open(path, bucket string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientIO, "mkdir "+filepath.Dir(path))
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientIO, "open checkpoint file "+path)
	}

	s := &BoltStore{db: db, bucket: []byte(bucket), path: path}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTransientIO, "create checkpoint bucket")
	}
	return s, nil
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *BoltStore) Load(ctx context.Context, pipeline string) (Checkpoint, bool, error) {
	var (
		cp    Checkpoint
		found bool
	)
	if err := ctx.Err(); err != nil {
		return cp, false, errors.Wrap(err, errors.ErrorTypeCancelled, "load checkpoint")
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return errors.Newf(errors.ErrorTypeInvariantViolation, "checkpoint bucket %q not found", s.bucket)
		}
		data := b.Get([]byte(pipeline))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return Checkpoint{}, false, errors.Wrap(err, errors.ErrorTypeData, "read checkpoint for "+pipeline)
	}
	return cp, found, nil
}

// Save implements Store.
func (s *BoltStore) Save(ctx context.Context, pipeline string, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "save checkpoint")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "encode checkpoint")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(pipeline), data)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransientIO, "write checkpoint for "+pipeline)
	}
	return nil
}

// Reset implements Store.
func (s *BoltStore) Reset(ctx context.Context, pipeline string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "reset checkpoint")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(pipeline))
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransientIO, "delete checkpoint for "+pipeline)
	}
	return nil
}

// List returns every stored checkpoint by pipeline name.
func (s *BoltStore) List() (map[string]Checkpoint, error) {
	out := make(map[string]Checkpoint)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			out[string(k)] = cp
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "list checkpoints")
	}
	return out, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemoryStore is a non-durable Store, used when checkpoints are disabled.
type MemoryStore struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[string]Checkpoint)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, pipeline string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[pipeline]
	return cp, ok, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, pipeline string, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[pipeline] = cp
	return nil
}

// Reset implements Store.
func (m *MemoryStore) Reset(_ context.Context, pipeline string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, pipeline)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
