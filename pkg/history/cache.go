package history

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CacheSuffix is appended to the source-relative path of each cache file.
const CacheSuffix = ".gz"

// DefaultCacheThreshold is the parse time above which a first-time result is
// written to the cache.
const DefaultCacheThreshold = 30 * time.Second

// FileCache stores parsed per-file history in a directory tree mirroring the
// source tree. Reads take no lock; writes replace files atomically and are
// serialised by one mutex.
type FileCache struct {
	root       string
	sourceRoot string
	threshold  time.Duration

	mu sync.Mutex
}

// NewFileCache returns a cache rooted at root for files under sourceRoot.
// A parse slower than threshold is persisted even if nothing was cached
// before; zero persists every cacheable parse.
func NewFileCache(root, sourceRoot string, threshold time.Duration) *FileCache {
	return &FileCache{
		root:       filepath.Clean(root),
		sourceRoot: filepath.Clean(sourceRoot),
		threshold:  threshold,
	}
}

// Root returns the cache directory.
func (c *FileCache) Root() string {
	return c.root
}

// Path returns the cache file for a source file.
func (c *FileCache) Path(file string) (string, error) {
	rel, err := c.relative(file)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.root, rel) + CacheSuffix, nil
}

func (c *FileCache) relative(file string) (string, error) {
	rel, err := filepath.Rel(c.sourceRoot, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrCacheIO, file, c.sourceRoot)
	}
	return rel, nil
}

// Get returns the history of file. A cache entry at least as new as the
// file is returned as is; otherwise repo parses the file and the result is
// persisted when the repository is cacheable and either an entry already
// existed or the parse took longer than the threshold. Directory history is
// always parsed fresh and never persisted.
func (c *FileCache) Get(ctx context.Context, file string, repo Repository) (*History, error) {
	info, err := os.Stat(file)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return parseDirectory(ctx, repo, file)
	}

	cachePath, err := c.Path(file)
	if err != nil {
		return repo.FileHistory(ctx, file)
	}

	cached := false
	if ci, err := os.Stat(cachePath); err == nil {
		cached = true
		if !ci.ModTime().Before(info.ModTime()) {
			h, err := c.read(cachePath)
			if err == nil {
				return h, nil
			}
			historyLog.Printf("failed to read cached history for %s, reparsing: %v", file, err)
		}
	}

	start := time.Now()
	h, err := repo.FileHistory(ctx, file)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if repo.IsCacheable() && (cached || elapsed >= c.threshold) {
		if err := c.Store(h, file); err != nil {
			historyLog.Printf("failed to cache history for %s: %v", file, err)
		}
	}
	return h, nil
}

func parseDirectory(ctx context.Context, repo Repository, dir string) (*History, error) {
	dp, ok := repo.(DirectoryHistoryParser)
	if !ok {
		return nil, fmt.Errorf("%s history for directories: %w", repo.Type(), ErrUnsupported)
	}
	return dp.DirectoryHistory(ctx, dir)
}

func (c *FileCache) read(cachePath string) (*History, error) {
	f, err := os.Open(cachePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheIO, err)
	}
	defer f.Close()
	h, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCacheIO, cachePath, err)
	}
	return h, nil
}

// Store writes h as the cache entry for file. The entry is written to a
// temporary file beside its final location and renamed into place.
func (c *FileCache) Store(h *History, file string) error {
	cachePath, err := c.Path(file)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create cache directory: %w", ErrCacheIO, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(cachePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %w", ErrCacheIO, err)
	}
	tmpName := tmp.Name()

	if err := Encode(tmp, h); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to encode history: %w", ErrCacheIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to close temp file: %w", ErrCacheIO, err)
	}
	if err := os.Rename(tmpName, cachePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to rename cache file: %w", ErrCacheIO, err)
	}
	return nil
}

// Exists reports whether any cache entries exist for the directory dir.
func (c *FileCache) Exists(dir string) bool {
	rel, err := c.relative(dir)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(c.root, rel))
	return err == nil && info.IsDir()
}

// Create parses the whole history of repo once and writes one cache entry
// per touched file that still exists in the working copy. It returns the
// number of entries written.
func (c *FileCache) Create(ctx context.Context, repo Repository) (int, error) {
	dp, ok := repo.(DirectoryHistoryParser)
	if !ok || !repo.IsCacheable() {
		return 0, ErrUnsupported
	}

	prefix, err := c.relative(repo.Directory())
	if err != nil {
		return 0, err
	}
	prefix = filepath.ToSlash(prefix)
	if prefix == "." {
		prefix = ""
	}

	h, err := dp.DirectoryHistory(ctx, repo.Directory())
	if err != nil {
		return 0, err
	}

	byFile := make(map[string]*History)
	var order []string
	for _, e := range h.Entries {
		for _, f := range e.Files {
			fh, ok := byFile[f]
			if !ok {
				fh = &History{}
				byFile[f] = fh
				order = append(order, f)
			}
			stripped := e
			stripped.Files = nil
			fh.Entries = append(fh.Entries, stripped)
		}
	}

	written := 0
	for _, f := range order {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		abs := filepath.Join(c.sourceRoot, filepath.FromSlash(path.Join(prefix, f)))
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		if err := c.Store(byFile[f], abs); err != nil {
			historyLog.Printf("failed to cache history for %s: %v", abs, err)
			continue
		}
		written++
	}
	return written, nil
}
