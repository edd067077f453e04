package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate brings the on-disk schema to currentSchemaVersion. A database
// written by a newer release is rejected rather than modified.
func (s *BoltStore) Migrate() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		var version uint64
		if v := sys.Get(keySchemaVersion); v != nil {
			version = bytesToUint64(v)
		}

		switch {
		case version > currentSchemaVersion:
			return fmt.Errorf("metadata schema version %d is newer than supported version %d", version, currentSchemaVersion)
		case version == currentSchemaVersion:
			return nil
		}

		if _, err := tx.CreateBucketIfNotExists(bucketOutputs); err != nil {
			return err
		}
		s.logger.Info("metadata schema initialized", zap.Uint64("from", version), zap.Uint64("to", currentSchemaVersion))
		return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
	})
}
