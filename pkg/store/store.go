// Package store persists one index partition: a bbolt database holding the
// sorted uid keys, per-document metadata and serialized definitions, next to
// a bleve full-text index and a bleve suggestion index.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	bolt "go.etcd.io/bbolt"
)

var storeLog = log.New(os.Stderr, "[grok:store] ", log.Ltime)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Bucket names.
var (
	BucketUIDs  = []byte("uids")  // uid -> DocumentMeta JSON
	BucketPaths = []byte("paths") // path -> uid
	BucketDefs  = []byte("defs")  // uid -> code.Definitions JSON
	BucketMeta  = []byte("meta")
)

// File names inside an index directory.
const (
	DBFile      = "index.db"
	SearchDir   = "search.bleve"
	SuggestDir  = "suggest.bleve"
	DefaultPage = 256
)

// batchSize bounds how many search-index operations are buffered before a
// flush.
const batchSize = 200

// Index is the store for one partition. AddDocument and DeleteDocument
// buffer search-index changes until Commit; bbolt changes are durable
// immediately.
type Index struct {
	dir string

	mu      sync.Mutex
	db      *bolt.DB
	search  bleve.Index
	suggest bleve.Index
	batch   *bleve.Batch
	closed  bool
}

// Open opens or creates the partition store in dir.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := openDB(filepath.Join(dir, DBFile))
	if err != nil {
		return nil, err
	}

	search, err := openOrCreateSearchIndex(filepath.Join(dir, SearchDir), buildDocumentMapping)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create/open search index: %w", err)
	}

	s := &Index{dir: dir, db: db, search: search}
	if err := s.ensureSearchMapping(); err != nil {
		s.search.Close()
		db.Close()
		return nil, fmt.Errorf("search mapping check failed: %w", err)
	}

	suggest, err := openOrCreateSearchIndex(filepath.Join(dir, SuggestDir), buildSuggestMapping)
	if err != nil {
		s.search.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create/open suggestion index: %w", err)
	}
	s.suggest = suggest
	s.batch = s.search.NewBatch()
	return s, nil
}

func openDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{BucketUIDs, BucketPaths, BucketDefs, BucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return db, nil
}

// Dir returns the index directory.
func (s *Index) Dir() string {
	return s.dir
}

// Close flushes pending changes and closes both indexes and the database.
func (s *Index) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.batch != nil && s.batch.Size() > 0 {
		errs = append(errs, s.search.Batch(s.batch))
	}
	if s.search != nil {
		errs = append(errs, s.search.Close())
	}
	if s.suggest != nil {
		errs = append(errs, s.suggest.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// GetMeta reads a string value from the meta bucket.
func (s *Index) GetMeta(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BucketMeta).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		val = string(data)
		return nil
	})
	return val, err
}

// SetMeta writes a string value to the meta bucket.
func (s *Index) SetMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketMeta).Put([]byte(key), []byte(value))
	})
}

// Stats summarises the partition.
type Stats struct {
	Documents   int
	Definitions int
	SearchDocs  uint64
	Suggestions uint64
}

// Stats returns document counts from both stores.
func (s *Index) Stats() (*Stats, error) {
	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Documents = tx.Bucket(BucketUIDs).Stats().KeyN
		stats.Definitions = tx.Bucket(BucketDefs).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stats.SearchDocs, err = s.search.DocCount(); err != nil {
		return nil, err
	}
	if stats.Suggestions, err = s.suggest.DocCount(); err != nil {
		return nil, err
	}
	return stats, nil
}
