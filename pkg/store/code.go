package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/grok/pkg/code"
	bolt "go.etcd.io/bbolt"
)

// Document is one file as handed to the store by the indexer.
type Document struct {
	UID     string
	Path    string // source-root relative, leading slash
	Project string
	Genre   string
	Lang    string
	Date    time.Time
	Size    int64

	Full string
	Refs string
	Hist string
	Defs *code.Definitions
}

// DocumentMeta is the persisted per-document record.
type DocumentMeta struct {
	UID     string    `json:"uid"`
	Path    string    `json:"path"`
	Project string    `json:"project,omitempty"`
	Genre   string    `json:"genre"`
	Lang    string    `json:"lang,omitempty"`
	Date    time.Time `json:"date"`
	Size    int64     `json:"size"`
}

func (d *Document) meta() *DocumentMeta {
	return &DocumentMeta{
		UID:     d.UID,
		Path:    d.Path,
		Project: d.Project,
		Genre:   d.Genre,
		Lang:    d.Lang,
		Date:    d.Date.UTC(),
		Size:    d.Size,
	}
}

// searchFields builds the bleve document.
func (d *Document) searchFields() map[string]interface{} {
	doc := map[string]interface{}{
		FieldPath:      d.Path,
		FieldPathNgram: strings.ReplaceAll(d.Path, "/", " "),
		FieldGenre:     d.Genre,
		FieldDate:      d.Date.UTC(),
	}
	if d.Project != "" {
		doc[FieldProject] = d.Project
	}
	if d.Lang != "" {
		doc[FieldLang] = d.Lang
	}
	if d.Full != "" {
		doc[FieldFull] = d.Full
	}
	if d.Refs != "" {
		doc[FieldRefs] = d.Refs
	}
	if d.Hist != "" {
		doc[FieldHist] = d.Hist
	}
	if d.Defs.Len() > 0 {
		doc[FieldDefs] = strings.Join(d.Defs.Symbols(), " ")
	}
	return doc
}

// AddDocument stores the document record and its definitions and queues it
// for the search index.
func (s *Index) AddDocument(doc *Document) error {
	if doc.UID == "" || doc.Path == "" {
		return fmt.Errorf("document requires uid and path")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	metaData, err := json.Marshal(doc.meta())
	if err != nil {
		return err
	}
	var defsData []byte
	if doc.Defs.Len() > 0 {
		if defsData, err = json.Marshal(doc.Defs); err != nil {
			return err
		}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(BucketUIDs).Put([]byte(doc.UID), metaData); err != nil {
			return err
		}
		if err := tx.Bucket(BucketPaths).Put([]byte(doc.Path), []byte(doc.UID)); err != nil {
			return err
		}
		if defsData != nil {
			return tx.Bucket(BucketDefs).Put([]byte(doc.UID), defsData)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}

	if err := s.batch.Index(doc.UID, doc.searchFields()); err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	return s.flushIfFullLocked()
}

// DeleteDocument removes the document with uid. Deleting an unknown uid is
// not an error.
func (s *Index) DeleteDocument(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		uids := tx.Bucket(BucketUIDs)
		key := []byte(uid)
		if data := uids.Get(key); data != nil {
			var m DocumentMeta
			if err := json.Unmarshal(data, &m); err == nil {
				paths := tx.Bucket(BucketPaths)
				if bytes.Equal(paths.Get([]byte(m.Path)), key) {
					if err := paths.Delete([]byte(m.Path)); err != nil {
						return err
					}
				}
			}
		}
		if err := uids.Delete(key); err != nil {
			return err
		}
		return tx.Bucket(BucketDefs).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	s.batch.Delete(uid)
	return s.flushIfFullLocked()
}

func (s *Index) flushIfFullLocked() error {
	if s.batch.Size() < batchSize {
		return nil
	}
	return s.flushLocked()
}

func (s *Index) flushLocked() error {
	if s.batch.Size() == 0 {
		return nil
	}
	if err := s.search.Batch(s.batch); err != nil {
		return fmt.Errorf("failed to write search batch: %w", err)
	}
	s.batch.Reset()
	return nil
}

// Commit writes queued search-index changes.
func (s *Index) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

// Document returns the record stored for path.
func (s *Index) Document(path string) (*DocumentMeta, error) {
	var m DocumentMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		uid := tx.Bucket(BucketPaths).Get([]byte(path))
		if uid == nil {
			return ErrNotFound
		}
		data := tx.Bucket(BucketUIDs).Get(uid)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Definitions returns the stored definitions for path. A file indexed
// without definitions yields an empty set.
func (s *Index) Definitions(path string) (*code.Definitions, error) {
	defs := code.NewDefinitions()
	err := s.db.View(func(tx *bolt.Tx) error {
		uid := tx.Bucket(BucketPaths).Get([]byte(path))
		if uid == nil {
			return ErrNotFound
		}
		data := tx.Bucket(BucketDefs).Get(uid)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, defs)
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// Paths calls fn for every indexed path in ascending order until fn
// returns false.
func (s *Index) Paths(fn func(path string) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketPaths).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !fn(string(k)) {
				return nil
			}
		}
		return nil
	})
}

// UIDCursor iterates uids with a given prefix in ascending order. Keys are
// read a page at a time in short read transactions so writers are never
// blocked for the length of an update.
type UIDCursor struct {
	s      *Index
	prefix []byte
	size   int

	page [][]byte
	pos  int
	last []byte
	done bool
	err  error
}

// UIDs returns a cursor over the uids starting with prefix.
func (s *Index) UIDs(prefix string) *UIDCursor {
	return &UIDCursor{s: s, prefix: []byte(prefix), size: DefaultPage, pos: -1}
}

// Next advances to the next uid and reports whether there is one.
func (c *UIDCursor) Next() bool {
	if c.err != nil {
		return false
	}
	c.pos++
	if c.pos < len(c.page) {
		return true
	}
	if c.done {
		return false
	}
	if err := c.fill(); err != nil {
		c.err = err
		return false
	}
	c.pos = 0
	return len(c.page) > 0
}

// UID returns the current uid.
func (c *UIDCursor) UID() string {
	if c.pos < 0 || c.pos >= len(c.page) {
		return ""
	}
	return string(c.page[c.pos])
}

// Err returns the first read error.
func (c *UIDCursor) Err() error {
	return c.err
}

func (c *UIDCursor) fill() error {
	c.page = c.page[:0]
	return c.s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(BucketUIDs).Cursor()
		var k []byte
		if c.last == nil {
			k, _ = cur.Seek(c.prefix)
		} else {
			k, _ = cur.Seek(c.last)
			if k != nil && bytes.Equal(k, c.last) {
				k, _ = cur.Next()
			}
		}
		for ; k != nil; k, _ = cur.Next() {
			if !bytes.HasPrefix(k, c.prefix) {
				c.done = true
				break
			}
			c.page = append(c.page, bytes.Clone(k))
			if len(c.page) == c.size {
				break
			}
		}
		if k == nil {
			c.done = true
		}
		if n := len(c.page); n > 0 {
			c.last = c.page[n-1]
		}
		return nil
	})
}
