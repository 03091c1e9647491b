// Package journal provides a BoltDB-backed append-only audit log of round
// lifecycle events.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tombola-engine/tombola/internal/raffle"
)

const eventsBucket = "events"

// Entry is one recorded lifecycle event.
type Entry struct {
	Sequence uint64          `json:"sequence"`
	RoundID  string          `json:"round_id"`
	Type     string          `json:"type"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Journal appends and reads round lifecycle events.
type Journal struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed journal at the provided path.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	journal := &Journal{db: db}
	if err := journal.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return journal, nil
}

// Close closes the underlying BoltDB database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records lifecycle events for a round in order. All events share one
// transaction so a partial write never becomes visible.
func (j *Journal) Append(ctx context.Context, roundID string, at time.Time, events ...raffle.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j == nil || j.db == nil {
		return fmt.Errorf("journal is not configured")
	}
	if strings.TrimSpace(roundID) == "" {
		return fmt.Errorf("round id is required")
	}
	if len(events) == 0 {
		return nil
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(eventsBucket))
		if root == nil {
			return fmt.Errorf("events bucket is missing")
		}
		bucket, err := root.CreateBucketIfNotExists([]byte(roundID))
		if err != nil {
			return fmt.Errorf("create round bucket: %w", err)
		}
		for _, event := range events {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			payload, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			entry := Entry{
				Sequence: seq,
				RoundID:  roundID,
				Type:     event.EventType(),
				At:       at.UTC(),
				Payload:  payload,
			}
			value, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshal entry: %w", err)
			}
			if err := bucket.Put(sequenceKey(seq), value); err != nil {
				return fmt.Errorf("put entry: %w", err)
			}
		}
		return nil
	})
}

// List returns all recorded events for a round in append order.
func (j *Journal) List(ctx context.Context, roundID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	if strings.TrimSpace(roundID) == "" {
		return nil, fmt.Errorf("round id is required")
	}

	var entries []Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(eventsBucket))
		if root == nil {
			return fmt.Errorf("events bucket is missing")
		}
		bucket := root.Bucket([]byte(roundID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("unmarshal entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (j *Journal) ensureBuckets() error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(eventsBucket))
		if err != nil {
			return fmt.Errorf("create events bucket: %w", err)
		}
		return nil
	})
}

// Big-endian keys keep bucket iteration in sequence order.
func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
