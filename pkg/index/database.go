// Package index keeps a partition's search index in step with the source
// tree.
//
// Database.Update walks the partition in byte-wise name order and merges
// the walk with an ascending cursor over the uids already indexed. A uid
// encodes path and modification time, so one pass finds every added,
// changed and removed file:
//
//	cursor < file   the indexed file is gone or changed: remove it
//	cursor == file  unchanged: skip
//	otherwise       new or changed: analyze and add
//
// Uids left in the cursor after the walk belong to deleted files.
package index

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/grok/pkg/analysis"
	"github.com/jmylchreest/grok/pkg/code"
	"github.com/jmylchreest/grok/pkg/history"
	"github.com/jmylchreest/grok/pkg/ignore"
	"github.com/jmylchreest/grok/pkg/store"
)

var indexLog = log.New(os.Stderr, "[grok:index] ", log.Ltime)

var (
	// ErrAlreadyRunning is returned when Update or Optimize is called while
	// another one is in progress on the same Database.
	ErrAlreadyRunning = errors.New("index update already running")
	// ErrInterrupted is returned by Update after Interrupt.
	ErrInterrupted = errors.New("index update interrupted")
)

// DirtyFile marks an index with changes not yet optimized.
const DirtyFile = "dirty"

// Listener is told about every document added or removed.
type Listener interface {
	FileAdded(path, analyzer string)
	FileRemoved(path string)
}

// Extractor produces the definitions of a file. ctags.Bridge is the
// default implementation.
type Extractor interface {
	Extract(path string) (*code.Definitions, error)
	Close() error
}

// Options configure a Database.
type Options struct {
	SourceRoot string
	// Project names the partition; Path is its root relative to
	// SourceRoot, with a leading slash.
	Project string
	Path    string

	IndexDir string
	XrefDir  string
	// TimestampFile is touched after an update that changed the index.
	TimestampFile string

	Ignore   *ignore.Matcher
	Registry *history.Registry // nil disables history
	Guru     *analysis.Guru
	// NewExtractor starts a definitions extractor for one update. nil
	// indexes files without definitions.
	NewExtractor func() Extractor

	VersionedOnly bool
	Optimize      bool
	GenerateXref  bool
	CompressXref  bool
	Verbose       bool
}

// Database is one index partition.
type Database struct {
	opts Options

	running     atomic.Bool
	interrupted atomic.Bool

	mu        sync.Mutex
	listeners []Listener
	lastRun   string
}

// New returns a Database for opts. Nothing is opened until Update.
func New(opts Options) *Database {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.Ignore == nil {
		opts.Ignore = ignore.NewFromDefaults()
	}
	if opts.Guru == nil {
		opts.Guru = analysis.NewGuru(0)
	}
	return &Database{opts: opts}
}

// Project returns the partition name.
func (db *Database) Project() string { return db.opts.Project }

// Path returns the partition root relative to the source root.
func (db *Database) Path() string { return db.opts.Path }

// LastRun returns the ID of the most recent Update, or "" before the
// first one. IDs are ULIDs and sort by start time.
func (db *Database) LastRun() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lastRun
}

// AddListener registers l for add and remove notifications.
func (db *Database) AddListener(l Listener) {
	db.mu.Lock()
	db.listeners = append(db.listeners, l)
	db.mu.Unlock()
}

func (db *Database) notifyAdded(path, analyzer string) {
	db.mu.Lock()
	ls := db.listeners
	db.mu.Unlock()
	for _, l := range ls {
		l.FileAdded(path, analyzer)
	}
}

func (db *Database) notifyRemoved(path string) {
	db.mu.Lock()
	ls := db.listeners
	db.mu.Unlock()
	for _, l := range ls {
		l.FileRemoved(path)
	}
}

// Interrupt asks a running Update to stop at the next directory or file.
func (db *Database) Interrupt() {
	db.interrupted.Store(true)
}

// IsRunning reports whether an Update or Optimize is in progress.
func (db *Database) IsRunning() bool {
	return db.running.Load()
}

func (db *Database) dirtyPath() string {
	return filepath.Join(db.opts.IndexDir, DirtyFile)
}

// IsDirty reports whether the index has changes that were not optimized.
func (db *Database) IsDirty() bool {
	_, err := os.Stat(db.dirtyPath())
	return err == nil
}

func (db *Database) setDirty() {
	if err := os.WriteFile(db.dirtyPath(), nil, 0o644); err != nil {
		indexLog.Printf("failed to mark %s dirty: %v", db.opts.Project, err)
	}
}

func (db *Database) clearDirty() {
	if err := os.Remove(db.dirtyPath()); err != nil && !os.IsNotExist(err) {
		indexLog.Printf("failed to clear dirty marker of %s: %v", db.opts.Project, err)
	}
}

// Optimize compacts the index and clears the dirty marker.
func (db *Database) Optimize() error {
	if !db.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer db.running.Store(false)

	s, err := store.Open(db.opts.IndexDir)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer s.Close()
	return db.optimize(s)
}

func (db *Database) optimize(s *store.Index) error {
	start := time.Now()
	if err := s.Optimize(); err != nil {
		return fmt.Errorf("failed to optimize %s: %w", db.opts.Project, err)
	}
	db.clearDirty()
	indexLog.Printf("optimized %s in %v", db.opts.Project, time.Since(start).Round(time.Millisecond))
	return nil
}

// ListFiles writes every indexed path of the partition, one per line.
func (db *Database) ListFiles(w io.Writer) error {
	s, err := store.Open(db.opts.IndexDir)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer s.Close()

	var werr error
	err = s.Paths(func(path string) bool {
		_, werr = fmt.Fprintln(w, path)
		return werr == nil
	})
	if err != nil {
		return err
	}
	return werr
}

// ListTokens writes the terms of field occurring in at least minFreq
// documents, with their document frequency.
func (db *Database) ListTokens(w io.Writer, field string, minFreq uint64) error {
	s, err := store.Open(db.opts.IndexDir)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer s.Close()

	var werr error
	err = s.Terms(field, minFreq, func(term string, freq uint64) bool {
		_, werr = fmt.Fprintf(w, "%s\t%d\n", term, freq)
		return werr == nil
	})
	if err != nil {
		return err
	}
	return werr
}

// touch sets the modification time of path to now, creating it if needed.
func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	now := time.Now()
	return os.Chtimes(path, now, now)
}
