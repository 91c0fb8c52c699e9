package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/grok/pkg/analysis"
	"github.com/jmylchreest/grok/pkg/store"
)

// Update makes the partition's index match the source tree. Only one
// Update runs at a time per Database; a concurrent call fails with
// ErrAlreadyRunning.
func (db *Database) Update(ctx context.Context) error {
	if !db.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer db.running.Store(false)
	db.interrupted.Store(false)

	s, err := store.Open(db.opts.IndexDir)
	if err != nil {
		return fmt.Errorf("failed to open index for %s: %w", db.opts.Project, err)
	}
	defer s.Close()

	// A marker left by an interrupted or unoptimized run keeps the
	// post-pass pending even when nothing changes this time.
	u := &updater{
		db:    db,
		ctx:   ctx,
		store: s,
		run:   ulid.Make().String(),
		dirty: db.IsDirty(),
	}
	db.mu.Lock()
	db.lastRun = u.run
	db.mu.Unlock()
	if db.opts.NewExtractor != nil {
		u.extractor = db.opts.NewExtractor()
		defer u.extractor.Close()
	}

	start := time.Now()
	indexLog.Printf("run %s: updating %s (%s)", u.run, db.opts.Project, db.opts.Path)

	root := db.abs(db.opts.Path)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("partition %s: %s is not a directory", db.opts.Project, root)
	}

	u.cursor = s.UIDs(UIDPrefix(db.opts.Path))
	u.has = u.cursor.Next()

	u.indexDown(root, db.opts.Path)

	if !u.stopped() {
		for u.has {
			u.remove(u.cursor.UID())
			u.has = u.cursor.Next()
		}
	}
	if err := u.cursor.Err(); err != nil {
		indexLog.Printf("run %s: uid cursor failed: %v", u.run, err)
	}

	if err := s.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", db.opts.Project, err)
	}

	indexLog.Printf("run %s: %s done in %v (%d added, %d removed)",
		u.run, db.opts.Project, time.Since(start).Round(time.Millisecond), u.added, u.removed)

	if u.stopped() {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrInterrupted
	}

	if u.dirty {
		if db.opts.Optimize {
			if err := db.optimize(s); err != nil {
				indexLog.Printf("run %s: %v", u.run, err)
			}
		}
		if err := s.RebuildSuggestions(); err != nil {
			indexLog.Printf("run %s: failed to rebuild suggestions: %v", u.run, err)
		}
		if db.opts.TimestampFile != "" {
			if err := touch(db.opts.TimestampFile); err != nil {
				indexLog.Printf("run %s: failed to touch timestamp: %v", u.run, err)
			}
		}
	}
	return nil
}

func (db *Database) abs(rel string) string {
	return filepath.Join(db.opts.SourceRoot, filepath.FromSlash(rel))
}

// updater is the state of one Update run.
type updater struct {
	db        *Database
	ctx       context.Context
	store     *store.Index
	extractor Extractor
	run       string

	cursor *store.UIDCursor
	has    bool

	dirty     bool
	added     int
	removed   int
	lastAdded string
}

func (u *updater) stopped() bool {
	return u.db.interrupted.Load() || u.ctx.Err() != nil
}

func (u *updater) markDirty() {
	if !u.dirty {
		u.dirty = true
		u.db.setDirty()
	}
}

func (u *updater) verbose(format string, args ...any) {
	if u.db.opts.Verbose {
		indexLog.Printf(format, args...)
	}
}

// indexDown visits dir, whose source-relative path is rel, merging its
// entries with the uid cursor.
func (u *updater) indexDown(dir, rel string) {
	if u.stopped() {
		return
	}
	if u.db.opts.Registry != nil {
		u.db.opts.Registry.EnsureCache(u.ctx, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		indexLog.Printf("failed to list %s: %v", dir, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if u.stopped() {
			return
		}
		abs := filepath.Join(dir, name)
		child := path.Join(rel, name)

		info, ok := u.accept(abs)
		if !ok {
			continue
		}
		if info.IsDir() {
			u.indexDown(abs, child)
			continue
		}

		uid := EncodeUID(child, info.ModTime())
		for u.has && u.cursor.UID() < uid {
			u.remove(u.cursor.UID())
			u.has = u.cursor.Next()
		}
		if u.has && u.cursor.UID() == uid {
			u.has = u.cursor.Next()
			continue
		}
		if err := u.add(abs, child, uid, info); err != nil {
			indexLog.Printf("skipping %s: %v", child, err)
		}
	}
}

// accept decides whether the entry at abs is indexed (files) or visited
// (directories). It returns the followed FileInfo.
func (u *updater) accept(abs string) (os.FileInfo, bool) {
	linfo, err := os.Lstat(abs)
	if err != nil {
		u.verbose("skipping %s: %v", abs, err)
		return nil, false
	}
	if u.db.opts.Ignore.IgnoreEntry(abs, linfo.IsDir()) {
		return nil, false
	}

	info := linfo
	if linfo.Mode()&os.ModeSymlink != 0 {
		if !isLocalSymlink(abs) {
			u.verbose("skipping non-local symlink %s", abs)
			return nil, false
		}
		if info, err = os.Stat(abs); err != nil {
			u.verbose("skipping dangling symlink %s", abs)
			return nil, false
		}
		if info.IsDir() && u.db.opts.Ignore.IgnoreEntry(abs, true) {
			return nil, false
		}
	}

	switch {
	case info.IsDir():
		return info, true
	case !info.Mode().IsRegular():
		u.verbose("skipping special file %s", abs)
		return nil, false
	}

	f, err := os.Open(abs)
	if err != nil {
		u.verbose("skipping unreadable %s: %v", abs, err)
		return nil, false
	}
	f.Close()

	if u.db.opts.VersionedOnly {
		if u.db.opts.Registry == nil || !u.db.opts.Registry.HasHistory(abs) {
			u.verbose("skipping unversioned %s", abs)
			return nil, false
		}
	}
	return info, true
}

// isLocalSymlink reports whether the link at abs points into its own
// directory.
func isLocalSymlink(abs string) bool {
	target, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return false
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return false
	}
	return filepath.Dir(target) == dir
}

func (u *updater) add(abs, rel, uid string, info os.FileInfo) error {
	content, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("failed to read: %w", err)
	}

	doc := &store.Document{
		UID:     uid,
		Path:    rel,
		Project: u.db.opts.Project,
		Date:    info.ModTime(),
		Size:    info.Size(),
	}

	if reg := u.db.opts.Registry; reg != nil && reg.HasHistory(abs) {
		h, err := reg.History(u.ctx, abs)
		if err != nil {
			indexLog.Printf("no history for %s: %v", rel, err)
		} else if h != nil {
			doc.Hist = h.Messages()
		}
	}

	a := u.db.opts.Guru.Find(rel, content)
	if a.Genre() == analysis.GenrePlain && u.extractor != nil {
		defs, err := u.extractor.Extract(abs)
		if err != nil {
			return fmt.Errorf("failed to extract definitions: %w", err)
		}
		doc.Defs = defs
	}

	if err := u.analyze(a, doc, content); err != nil {
		return err
	}
	if err := u.store.AddDocument(doc); err != nil {
		return fmt.Errorf("failed to add document: %w", err)
	}

	u.added++
	u.lastAdded = rel
	u.markDirty()
	u.verbose("added %s (%s)", rel, a.Name())
	u.db.notifyAdded(rel, a.Name())
	return nil
}

func (u *updater) analyze(a analysis.Analyzer, doc *store.Document, content []byte) error {
	if !u.db.opts.GenerateXref || a.Genre() != analysis.GenrePlain || u.db.opts.XrefDir == "" {
		return a.Analyze(doc, content, nil)
	}

	target := analysis.XrefPath(u.db.opts.XrefDir, doc.Path, u.db.opts.CompressXref)
	x, err := analysis.CreateXref(target, u.db.opts.CompressXref)
	if err != nil {
		indexLog.Printf("no xref for %s: %v", doc.Path, err)
		return a.Analyze(doc, content, nil)
	}
	if err := a.Analyze(doc, content, x); err != nil {
		x.Abort()
		return err
	}
	if err := x.Commit(); err != nil {
		indexLog.Printf("no xref for %s: %v", doc.Path, err)
	}
	return nil
}

// remove deletes the document with uid and its xref page.
func (u *updater) remove(uid string) {
	rel, _, err := DecodeUID(uid)
	if err != nil {
		indexLog.Printf("removing malformed uid: %v", err)
	}
	if err := u.store.DeleteDocument(uid); err != nil && !errors.Is(err, store.ErrNotFound) {
		indexLog.Printf("failed to remove %s: %v", rel, err)
		return
	}

	// An older uid of a file just re-added sorts after the new one; its
	// xref page is the fresh one.
	if rel != "" && rel != u.lastAdded && u.db.opts.XrefDir != "" {
		if err := analysis.RemoveXref(u.db.opts.XrefDir, rel); err != nil {
			indexLog.Printf("%v", err)
		}
	}

	u.removed++
	u.markDirty()
	u.verbose("removed %s", rel)
	if rel != "" {
		u.db.notifyRemoved(rel)
	}
}
