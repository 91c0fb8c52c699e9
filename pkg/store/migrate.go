package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/blevesearch/bleve/v2/mapping"
	bolt "go.etcd.io/bbolt"
)

// SchemaVersion is the bbolt layout written by this build.
var SchemaVersion uint64 = 3

const metaSchemaVersion = "schema_version"

type migration struct {
	version     uint64
	description string
	apply       func(tx *bolt.Tx) error
}

// migrations run in order, each at most once per database.
var migrations = []migration{
	{1, "baseline", func(*bolt.Tx) error { return nil }},
	{2, "rebuild path index from uid records", rebuildPaths},
	{3, "drop definitions of removed documents", dropOrphanDefs},
}

// rebuildPaths repopulates the paths bucket from the uid records. uids
// of one path sort by date, so the last one written wins.
func rebuildPaths(tx *bolt.Tx) error {
	paths := tx.Bucket(BucketPaths)
	c := tx.Bucket(BucketUIDs).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var m DocumentMeta
		if err := json.Unmarshal(v, &m); err != nil || m.Path == "" {
			continue
		}
		if err := paths.Put([]byte(m.Path), append([]byte(nil), k...)); err != nil {
			return err
		}
	}
	return nil
}

func dropOrphanDefs(tx *bolt.Tx) error {
	uids := tx.Bucket(BucketUIDs)
	var orphans [][]byte
	err := tx.Bucket(BucketDefs).ForEach(func(k, _ []byte) error {
		if uids.Get(k) == nil {
			orphans = append(orphans, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	defs := tx.Bucket(BucketDefs)
	for _, k := range orphans {
		if err := defs.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func readSchemaVersion(tx *bolt.Tx) (uint64, error) {
	meta := tx.Bucket(BucketMeta)
	if meta == nil {
		return 0, nil
	}
	data := meta.Get([]byte(metaSchemaVersion))
	switch len(data) {
	case 0:
		return 0, nil
	case 8:
		return binary.BigEndian.Uint64(data), nil
	default:
		return 0, fmt.Errorf("corrupt %s: %d bytes", metaSchemaVersion, len(data))
	}
}

// RunMigrations brings the database up to SchemaVersion in a single
// transaction. A database written by a newer build is refused.
func RunMigrations(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		current, err := readSchemaVersion(tx)
		if err != nil {
			return err
		}
		if current > SchemaVersion {
			return fmt.Errorf("index schema %d is newer than supported schema %d", current, SchemaVersion)
		}
		if current == SchemaVersion {
			return nil
		}

		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			storeLog.Printf("migrating index schema to v%d: %s", m.version, m.description)
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("failed to migrate to v%d: %w", m.version, err)
			}
		}

		meta := tx.Bucket(BucketMeta)
		if meta == nil {
			return fmt.Errorf("meta bucket not found")
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], SchemaVersion)
		return meta.Put([]byte(metaSchemaVersion), buf[:])
	})
}

// GetSchemaVersion returns the stored schema version, 0 for a fresh
// database.
func GetSchemaVersion(db *bolt.DB) (uint64, error) {
	var v uint64
	err := db.View(func(tx *bolt.Tx) error {
		var err error
		v, err = readSchemaVersion(tx)
		return err
	})
	return v, err
}

// MappingHash fingerprints a bleve mapping so a changed mapping can be
// detected on open.
func MappingHash(m mapping.IndexMapping) string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
