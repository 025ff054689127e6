package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/deltaflow/deltaflow/internal/delta"
)

var (
	OffsetsBucket  = []byte("offsets")
	MetadataBucket = []byte("metadata")
)

var ErrNotFound = errors.New("not found")

type Storage struct {
	db *bolt.DB
}

// OffsetEntry is the durable progress of one pipeline: the offset of the last
// fully processed event.
type OffsetEntry struct {
	Pipeline  string       `json:"pipeline"`
	Engine    string       `json:"engine"`
	SessionID string       `json:"session_id"`
	Offset    delta.Offset `json:"offset"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{OffsetsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveOffset(entry *OffsetEntry) error {
	if entry.Pipeline == "" {
		return fmt.Errorf("pipeline name is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(OffsetsBucket)

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal offset entry: %w", err)
		}

		return bucket.Put([]byte(entry.Pipeline), data)
	})
}

// GetOffset returns ErrNotFound when the pipeline has never committed.
func (s *Storage) GetOffset(pipeline string) (*OffsetEntry, error) {
	var entry OffsetEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(OffsetsBucket)

		data := bucket.Get([]byte(pipeline))
		if data == nil {
			return fmt.Errorf("offset for pipeline %s: %w", pipeline, ErrNotFound)
		}

		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// LoadOffset returns the stored offset, or an empty one for a new pipeline.
func (s *Storage) LoadOffset(pipeline string) (delta.Offset, error) {
	entry, err := s.GetOffset(pipeline)
	if errors.Is(err, ErrNotFound) {
		return delta.Offset{}, nil
	}
	if err != nil {
		return delta.Offset{}, err
	}
	return entry.Offset, nil
}

func (s *Storage) DeleteOffset(pipeline string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(OffsetsBucket).Delete([]byte(pipeline))
	})
}

// ListOffsets returns every stored entry ordered by pipeline name.
func (s *Storage) ListOffsets() ([]*OffsetEntry, error) {
	var entries []*OffsetEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(OffsetsBucket).ForEach(func(k, v []byte) error {
			var entry OffsetEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal offset for %s: %w", k, err)
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key %s: %w", key, ErrNotFound)
		}
		value = string(data)
		return nil
	})

	return value, err
}
