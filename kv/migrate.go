package kv

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/draco28/PulseDB/codec"
)

// SchemaVersion is the current on-disk schema version. Opening a database
// with a newer stored version fails with VersionError; an older version runs
// the forward migrations below.
const SchemaVersion = 1

// migration upgrades the schema from version v to v+1. Each migration runs
// inside the single open transaction; the version bump commits atomically
// with the data changes.
type migration func(tx *bolt.Tx) error

// migrations[v] upgrades from version v+1 to v+2. Index 0 would migrate
// version 1 to 2; none exist yet.
var migrations = []migration{}

func migrate(tx *bolt.Tx, from int) error {
	for v := from; v < SchemaVersion; v++ {
		idx := v - 1
		if idx < 0 || idx >= len(migrations) {
			return &VersionError{Stored: from, Known: SchemaVersion}
		}
		if err := migrations[idx](tx); err != nil {
			return fmt.Errorf("kv: migration %d->%d: %w", v, v+1, err)
		}
		w := codec.NewWriter(4)
		w.U32(uint32(v + 1))
		if err := tx.Bucket(bucketMetadata).Put(keySchemaVersion, w.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
