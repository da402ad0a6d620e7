package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/plb/pkg/events"
)

var (
	// Bucket names
	bucketMovements = []byte("movements")
	bucketRefreshes = []byte("refreshes")
)

// BoltTraceStore implements TraceStore using BoltDB. Keys are the big endian
// record timestamp followed by the record id, so cursors iterate in time order.
type BoltTraceStore struct {
	db *bolt.DB
}

// NewBoltTraceStore opens (or creates) the trace database in dataDir
func NewBoltTraceStore(dataDir string) (*BoltTraceStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "plb-traces.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMovements, bucketRefreshes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltTraceStore{db: db}, nil
}

// Close closes the database
func (s *BoltTraceStore) Close() error {
	return s.db.Close()
}

func recordKey(rec *TraceRecord) []byte {
	key := make([]byte, 8, 8+len(rec.ID))
	binary.BigEndian.PutUint64(key, uint64(rec.Timestamp.UnixNano()))
	return append(key, rec.ID...)
}

func timeKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}

func (s *BoltTraceStore) put(bucket []byte, rec *TraceRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("trace record has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(recordKey(rec), data)
	})
}

func (s *BoltTraceStore) list(bucket []byte, opts ListOptions) ([]*TraceRecord, error) {
	var records []*TraceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		var k, v []byte
		if opts.Since.IsZero() {
			k, v = c.First()
		} else {
			k, v = c.Seek(timeKey(opts.Since))
		}
		for ; k != nil; k, v = c.Next() {
			var rec TraceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if opts.FailoverUnitID != "" && rec.FailoverUnitID != opts.FailoverUnitID {
				continue
			}
			records = append(records, &rec)
			if opts.Limit > 0 && len(records) >= opts.Limit {
				break
			}
		}
		return nil
	})
	return records, err
}

// Movement operations
func (s *BoltTraceStore) RecordMovement(rec *TraceRecord) error {
	return s.put(bucketMovements, rec)
}

func (s *BoltTraceStore) ListMovements(opts ListOptions) ([]*TraceRecord, error) {
	return s.list(bucketMovements, opts)
}

// Refresh operations
func (s *BoltTraceStore) RecordRefresh(rec *TraceRecord) error {
	return s.put(bucketRefreshes, rec)
}

func (s *BoltTraceStore) ListRefreshes(opts ListOptions) ([]*TraceRecord, error) {
	return s.list(bucketRefreshes, opts)
}

// Prune deletes every record older than before and returns how many were removed
func (s *BoltTraceStore) Prune(before time.Time) (int, error) {
	removed := 0
	limit := timeKey(before)
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMovements, bucketRefreshes} {
			b := tx.Bucket(bucket)
			var expired [][]byte
			c := b.Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.Next() {
				expired = append(expired, append([]byte(nil), k...))
			}
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("failed to prune %s: %w", bucket, err)
				}
			}
			removed += len(expired)
		}
		return nil
	})
	return removed, err
}

// HandleEvent persists trace events delivered by the events broker
func (s *BoltTraceStore) HandleEvent(event *events.Event) error {
	rec := &TraceRecord{
		ID:             event.ID,
		Type:           string(event.Type),
		Timestamp:      event.Timestamp,
		DecisionID:     event.DecisionID,
		DomainID:       event.DomainID,
		FailoverUnitID: event.FailoverUnitID,
		ServiceName:    event.ServiceName,
		Action:         event.Action,
		Actions:        event.Actions,
		Message:        event.Message,
		Metadata:       event.Metadata,
	}
	if event.Type == events.EventRefreshCompleted {
		return s.RecordRefresh(rec)
	}
	return s.RecordMovement(rec)
}
