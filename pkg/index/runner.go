package index

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/grok/pkg/analysis"
	"github.com/jmylchreest/grok/pkg/config"
	"github.com/jmylchreest/grok/pkg/ctags"
	"github.com/jmylchreest/grok/pkg/history"
	"github.com/jmylchreest/grok/pkg/ignore"
)

// FromConfig builds one Database per configured partition. reg may be
// nil to index without history.
func FromConfig(cfg *config.Config, ig *ignore.Matcher, reg *history.Registry) []*Database {
	guru := analysis.NewGuru(cfg.Index.WordLimit)

	var newExtractor func() Extractor
	if cfg.Ctags.Enabled {
		ctagsCfg := ctags.Config{Binary: cfg.Ctags.Binary, Args: cfg.Ctags.Args}
		newExtractor = func() Extractor { return ctags.New(ctagsCfg) }
	}

	var dbs []*Database
	for _, p := range cfg.Partitions() {
		dbs = append(dbs, New(Options{
			SourceRoot:    cfg.SourceRoot,
			Project:       p.Name,
			Path:          p.Path,
			IndexDir:      cfg.IndexDir(p.Name),
			XrefDir:       cfg.XrefDir(),
			TimestampFile: cfg.TimestampFile(),
			Ignore:        ig,
			Registry:      reg,
			Guru:          guru,
			NewExtractor:  newExtractor,
			VersionedOnly: cfg.History.VersionedOnly,
			Optimize:      cfg.Index.Optimize,
			GenerateXref:  cfg.Index.GenerateXref,
			CompressXref:  cfg.Index.CompressXref,
			Verbose:       cfg.Verbose,
		}))
	}
	return dbs
}

// UpdateAll runs Update on every database, at most workers at a time.
// A failing partition does not stop the others; their errors are joined.
func UpdateAll(ctx context.Context, dbs []*Database, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(workers)

	for _, db := range dbs {
		g.Go(func() error {
			if err := db.Update(ctx); err != nil {
				indexLog.Printf("update of %s failed: %v", db.Project(), err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", db.Project(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Find returns the database named project, or nil.
func Find(dbs []*Database, project string) *Database {
	for _, db := range dbs {
		if db.Project() == project {
			return db
		}
	}
	return nil
}

// Affected returns the databases whose partition contains one of the
// absolute paths.
func Affected(dbs []*Database, paths []string) []*Database {
	var out []*Database
	for _, db := range dbs {
		root := db.abs(db.Path())
		for _, p := range paths {
			rel, err := filepath.Rel(root, p)
			if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				out = append(out, db)
				break
			}
		}
	}
	return out
}
