package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/grok/pkg/ignore"
)

// Options configures a Registry.
type Options struct {
	// CacheRoot enables the on-disk history cache when non-empty.
	CacheRoot      string
	CacheThreshold time.Duration
	// Backends are asked in order; nil means DefaultBackends(DefaultCommands()).
	Backends []Backend
}

// Registry maps directories to the repositories that own them. It is the
// context object handed to the indexer and the CLI; there is no global
// instance.
type Registry struct {
	sourceRoot string
	ignore     *ignore.Matcher
	backends   []Backend
	cache      *FileCache

	mu    sync.RWMutex
	repos map[string]Repository

	ensured sync.Map // repository root -> struct{}
}

// NewRegistry returns an empty Registry for sourceRoot. Call Discover to
// populate it.
func NewRegistry(sourceRoot string, ig *ignore.Matcher, opts Options) *Registry {
	if ig == nil {
		ig = ignore.NewFromDefaults()
	}
	backends := opts.Backends
	if backends == nil {
		backends = DefaultBackends(DefaultCommands())
	}
	r := &Registry{
		sourceRoot: filepath.Clean(sourceRoot),
		ignore:     ig,
		backends:   backends,
		repos:      make(map[string]Repository),
	}
	if opts.CacheRoot != "" {
		r.cache = NewFileCache(opts.CacheRoot, sourceRoot, opts.CacheThreshold)
	}
	return r
}

// Cache returns the history cache, or nil when caching is disabled.
func (r *Registry) Cache() *FileCache {
	return r.cache
}

// Add registers repo under its root directory.
func (r *Registry) Add(repo Repository) {
	r.mu.Lock()
	r.repos[filepath.Clean(repo.Directory())] = repo
	r.mu.Unlock()
}

// Repositories returns the registered repositories sorted by root.
func (r *Registry) Repositories() []Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Directory() < out[j].Directory() })
	return out
}

// Discover scans the source root for repositories and returns how many were
// found. Below a repository root the scan stops, except that backends
// supporting sub-repositories get one extra level checked for nested roots.
func (r *Registry) Discover(ctx context.Context) (int, error) {
	before := len(r.Repositories())
	if err := r.scan(ctx, r.sourceRoot, true); err != nil {
		return 0, err
	}
	found := len(r.Repositories()) - before
	historyLog.Printf("found %d repositories under %s", found, r.sourceRoot)
	return found, nil
}

func (r *Registry) scan(ctx context.Context, dir string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if repo := r.locate(dir); repo != nil {
		r.Add(repo)
		if recursive && repo.SupportsSubRepositories() {
			for _, child := range r.childDirs(dir) {
				if err := r.scan(ctx, child, false); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if !recursive {
		return nil
	}
	for _, child := range r.childDirs(dir) {
		if err := r.scan(ctx, child, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) locate(dir string) Repository {
	for _, b := range r.backends {
		if !b.Locate(dir) {
			continue
		}
		repo, err := b.Open(dir)
		if err != nil {
			historyLog.Printf("failed to open %s repository at %s: %v", b.Name(), dir, err)
			continue
		}
		return repo
	}
	return nil
}

// childDirs lists the non-ignored, non-symlink subdirectories of dir.
func (r *Registry) childDirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		historyLog.Printf("failed to list %s: %v", dir, err)
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := filepath.Join(dir, e.Name())
		if r.ignore.IgnoreEntry(child, true) {
			continue
		}
		out = append(out, child)
	}
	return out
}

// Find returns the repository owning path by walking up its parents, or nil.
func (r *Registry) Find(path string) Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := filepath.Clean(path)
	for {
		if repo, ok := r.repos[p]; ok {
			return repo
		}
		parent := filepath.Dir(p)
		if parent == p {
			return nil
		}
		p = parent
	}
}

// HasHistory reports whether path is versioned by some repository.
func (r *Registry) HasHistory(path string) bool {
	repo := r.Find(path)
	if repo == nil {
		return false
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return true
	}
	return repo.HasHistory(path)
}

// History returns the history of a file or directory, going through the
// cache when one is configured.
func (r *Registry) History(ctx context.Context, path string) (*History, error) {
	repo := r.Find(path)
	if repo == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, path)
	}
	if r.cache != nil {
		return r.cache.Get(ctx, path, repo)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return parseDirectory(ctx, repo, path)
	}
	return repo.FileHistory(ctx, path)
}

// Revision returns the content of path at rev.
func (r *Registry) Revision(ctx context.Context, path, rev string) ([]byte, error) {
	repo := r.Find(path)
	if repo == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, path)
	}
	return repo.RevisionContent(ctx, path, rev)
}

// Annotate returns blame information for path at rev (empty for the
// working revision).
func (r *Registry) Annotate(ctx context.Context, path, rev string) (*Annotation, error) {
	repo := r.Find(path)
	if repo == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, path)
	}
	a, ok := repo.(Annotator)
	if !ok {
		return nil, fmt.Errorf("%s annotate: %w", repo.Type(), ErrUnsupported)
	}
	return a.Annotate(ctx, path, rev)
}

// UpdateRepositories pulls every working repository. Failures are logged
// and do not stop the remaining updates. It returns the number updated.
func (r *Registry) UpdateRepositories(ctx context.Context) int {
	updated := 0
	for _, repo := range r.Repositories() {
		if ctx.Err() != nil {
			break
		}
		if !repo.IsWorking() {
			historyLog.Printf("skipping update of %s: %s tooling not available", repo.Directory(), repo.Type())
			continue
		}
		historyLog.Printf("updating %s repository %s", repo.Type(), repo.Directory())
		if err := repo.Update(ctx); err != nil {
			if errors.Is(err, ErrUnsupported) {
				historyLog.Printf("update of %s repository %s not supported", repo.Type(), repo.Directory())
			} else {
				historyLog.Printf("warning: failed to update %s: %v", repo.Directory(), err)
			}
			continue
		}
		updated++
	}
	return updated
}

// CreateCache bulk-populates the cache for every repository that can report
// directory history.
func (r *Registry) CreateCache(ctx context.Context) {
	if r.cache == nil {
		return
	}
	for _, repo := range r.Repositories() {
		if ctx.Err() != nil {
			return
		}
		r.createCache(ctx, repo)
	}
}

func (r *Registry) createCache(ctx context.Context, repo Repository) {
	r.ensured.Store(repo.Directory(), struct{}{})
	if _, ok := repo.(DirectoryHistoryParser); !ok || !repo.IsCacheable() || !repo.IsWorking() {
		return
	}
	n, err := r.cache.Create(ctx, repo)
	if err != nil {
		historyLog.Printf("failed to create history cache for %s: %v", repo.Directory(), err)
		return
	}
	historyLog.Printf("cached history of %d files from %s", n, repo.Directory())
}

// EnsureCache bulk-populates the cache for the repository owning dir when
// no cache entries exist for that repository yet. Each repository is
// attempted at most once per Registry.
func (r *Registry) EnsureCache(ctx context.Context, dir string) {
	if r.cache == nil {
		return
	}
	repo := r.Find(dir)
	if repo == nil {
		return
	}
	if _, done := r.ensured.LoadOrStore(repo.Directory(), struct{}{}); done {
		return
	}
	if r.cache.Exists(repo.Directory()) {
		return
	}
	r.createCache(ctx, repo)
}
