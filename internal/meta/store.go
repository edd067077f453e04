package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotFound is returned when an output has no record of the requested kind.
var ErrNotFound = errors.New("not found")

// Store keeps durable per-output state: the provisioning ledger, write
// statistics and consumer checkpoints.
type Store interface {
	RecordProvision(ctx context.Context, rec ProvisionRecord) error
	GetProvision(ctx context.Context, dataStream string) (*ProvisionRecord, error)
	AddWriteStats(ctx context.Context, dataStream string, delta WriteStats) error
	GetWriteStats(ctx context.Context, dataStream string) (*WriteStats, error)
	GetConsumerState(ctx context.Context, dataStream string) (uint64, error)
	SetConsumerState(ctx context.Context, dataStream string, seq uint64) error
	GetConsumerCheckpoint(ctx context.Context, dataStream string) (*ConsumerState, error)
	ListOutputs(ctx context.Context) ([]string, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB metadata store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) ensureOutputBucket(tx *bbolt.Tx, dataStream string) (*bbolt.Bucket, error) {
	outputs, err := tx.CreateBucketIfNotExists(bucketOutputs)
	if err != nil {
		return nil, err
	}
	return outputs.CreateBucketIfNotExists([]byte(dataStream))
}

func (s *BoltStore) getOutputBucket(tx *bbolt.Tx, dataStream string) *bbolt.Bucket {
	outputs := tx.Bucket(bucketOutputs)
	if outputs == nil {
		return nil
	}
	return outputs.Bucket([]byte(dataStream))
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *BoltStore) RecordProvision(_ context.Context, rec ProvisionRecord) error {
	if rec.DataStream == "" {
		return fmt.Errorf("provision record without data stream")
	}
	data, err := encodeGob(&rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		ob, err := s.ensureOutputBucket(tx, rec.DataStream)
		if err != nil {
			return err
		}
		return ob.Put(keyProvision, data)
	})
}

func (s *BoltStore) GetProvision(_ context.Context, dataStream string) (*ProvisionRecord, error) {
	var rec *ProvisionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		ob := s.getOutputBucket(tx, dataStream)
		if ob == nil {
			return fmt.Errorf("provision record for %q: %w", dataStream, ErrNotFound)
		}
		raw := ob.Get(keyProvision)
		if raw == nil {
			return fmt.Errorf("provision record for %q: %w", dataStream, ErrNotFound)
		}
		rec = &ProvisionRecord{}
		return decodeGob(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// AddWriteStats merges delta into the stored statistics in one transaction.
func (s *BoltStore) AddWriteStats(_ context.Context, dataStream string, delta WriteStats) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ob, err := s.ensureOutputBucket(tx, dataStream)
		if err != nil {
			return err
		}

		stats := WriteStats{DataStream: dataStream}
		if raw := ob.Get(keyWriteStats); raw != nil {
			if err := decodeGob(raw, &stats); err != nil {
				return fmt.Errorf("decoding write stats for %q: %w", dataStream, err)
			}
		}
		stats.merge(delta)

		data, err := encodeGob(&stats)
		if err != nil {
			return err
		}
		return ob.Put(keyWriteStats, data)
	})
}

// GetWriteStats returns zero statistics for an output that has not written yet.
func (s *BoltStore) GetWriteStats(_ context.Context, dataStream string) (*WriteStats, error) {
	stats := &WriteStats{DataStream: dataStream}
	err := s.db.View(func(tx *bbolt.Tx) error {
		ob := s.getOutputBucket(tx, dataStream)
		if ob == nil {
			return nil
		}
		raw := ob.Get(keyWriteStats)
		if raw == nil {
			return nil
		}
		return decodeGob(raw, stats)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *BoltStore) GetConsumerState(ctx context.Context, dataStream string) (uint64, error) {
	cs, err := s.GetConsumerCheckpoint(ctx, dataStream)
	if err != nil {
		return 0, err
	}
	return cs.LastAckedSeq, nil
}

func (s *BoltStore) GetConsumerCheckpoint(_ context.Context, dataStream string) (*ConsumerState, error) {
	cs := &ConsumerState{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		ob := s.getOutputBucket(tx, dataStream)
		if ob == nil {
			return nil
		}
		if v := ob.Get(keyLastAckedSeq); v != nil {
			cs.LastAckedSeq = bytesToUint64(v)
		}
		if v := ob.Get(keyLastAckedTS); v != nil {
			cs.LastAckedAt = time.Unix(0, bytesToInt64(v))
		}
		return nil
	})
	return cs, err
}

// SetConsumerState records seq as acknowledged. The checkpoint never moves
// backwards; concurrent workers may finish chunks out of order.
func (s *BoltStore) SetConsumerState(_ context.Context, dataStream string, seq uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ob, err := s.ensureOutputBucket(tx, dataStream)
		if err != nil {
			return err
		}
		if v := ob.Get(keyLastAckedSeq); v != nil && bytesToUint64(v) >= seq {
			return nil
		}
		if err := ob.Put(keyLastAckedSeq, uint64ToBytes(seq)); err != nil {
			return err
		}
		return ob.Put(keyLastAckedTS, int64ToBytes(time.Now().UnixNano()))
	})
}

// ListOutputs returns the data streams with any stored state, sorted.
func (s *BoltStore) ListOutputs(_ context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		outputs := tx.Bucket(bucketOutputs)
		if outputs == nil {
			return nil
		}
		return outputs.ForEach(func(k, v []byte) error {
			// v == nil marks a nested bucket.
			if v == nil {
				names = append(names, string(k))
			}
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("system bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
