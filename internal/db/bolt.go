package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/aonescu/tiops/internal/types"
)

var (
	bucketOutcomes  = []byte("outcomes")
	bucketProcessed = []byte("processed")
)

// BoltLedger keeps outcomes in a local file for single-node deployments.
type BoltLedger struct {
	db *bbolt.DB
}

func NewBoltLedger(path string) (*BoltLedger, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketOutcomes, bucketProcessed} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltLedger{db: db}, nil
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}

func (l *BoltLedger) Record(ctx context.Context, outcome types.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		outcomes := tx.Bucket(bucketOutcomes)
		seq, err := outcomes.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := outcomes.Put(key, data); err != nil {
			return fmt.Errorf("store outcome: %w", err)
		}

		if outcome.Status.Final() && outcome.SignalKey != "" {
			processed := tx.Bucket(bucketProcessed)
			if processed.Get([]byte(outcome.SignalKey)) == nil {
				return processed.Put([]byte(outcome.SignalKey), []byte(outcome.Status))
			}
		}
		return nil
	})
}

func (l *BoltLedger) Processed(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketProcessed).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Recent walks the sequence keys backwards, newest first.
func (l *BoltLedger) Recent(ctx context.Context, limit int) ([]types.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	var outcomes []types.Outcome
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOutcomes).Cursor()
		for k, v := c.Last(); k != nil && len(outcomes) < limit; k, v = c.Prev() {
			var o types.Outcome
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decode outcome %x: %w", k, err)
			}
			outcomes = append(outcomes, o)
		}
		return nil
	})
	return outcomes, err
}

func (l *BoltLedger) Stats(ctx context.Context) (map[types.OutcomeStatus]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := make(map[types.OutcomeStatus]int)
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutcomes).ForEach(func(_, v []byte) error {
			var o struct {
				Status types.OutcomeStatus `json:"status"`
			}
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			stats[o.Status]++
			return nil
		})
	})
	return stats, err
}
