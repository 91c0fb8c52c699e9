// Package history reads and caches version-control history for files in
// the source tree.
//
// Each supported SCM is a Backend that can recognise a repository root and
// open a Repository for it. A Registry discovers repositories under the
// source root, routes every path to the repository that owns it, and keeps
// parsed per-file history in a FileCache on disk.
package history

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"time"
)

var historyLog = log.New(os.Stderr, "[grok:history] ", log.Ltime)

// Common errors.
var (
	// ErrParse reports malformed output from an SCM command.
	ErrParse = errors.New("malformed history")
	// ErrCacheIO reports a history cache read or write failure.
	ErrCacheIO = errors.New("history cache i/o")
	// ErrNoRepository is returned for paths no repository owns.
	ErrNoRepository = errors.New("no repository for path")
	// ErrUnsupported is returned by optional operations a backend lacks.
	ErrUnsupported = errors.New("operation not supported by repository")
)

// Entry is one change in a file's or directory's history.
type Entry struct {
	Revision string
	Author   string
	Date     time.Time
	Message  string

	// Files are slash-separated touched paths. Backends report them
	// relative to the repository root.
	Files  []string
	Active bool
}

// AddFile records a touched path, keeping Files sorted and unique.
func (e *Entry) AddFile(path string) {
	i := sort.SearchStrings(e.Files, path)
	if i < len(e.Files) && e.Files[i] == path {
		return
	}
	e.Files = append(e.Files, "")
	copy(e.Files[i+1:], e.Files[i:])
	e.Files[i] = path
}

// History is an ordered list of entries, newest first.
type History struct {
	Entries []Entry
}

// Messages concatenates all commit messages, one per line.
func (h *History) Messages() string {
	if h == nil {
		return ""
	}
	var n int
	for _, e := range h.Entries {
		n += len(e.Message) + 1
	}
	buf := make([]byte, 0, n)
	for _, e := range h.Entries {
		buf = append(buf, e.Message...)
		buf = append(buf, '\n')
	}
	return string(buf)
}

// AnnotatedLine attributes one source line to a revision.
type AnnotatedLine struct {
	Revision string
	Author   string
	Text     string
}

// Annotation is per-line blame information for one file.
type Annotation struct {
	File  string
	Lines []AnnotatedLine
}

// Repository is a working copy of one SCM. Paths passed in are absolute.
type Repository interface {
	// Type names the backend, e.g. "git".
	Type() string
	// Directory is the repository root.
	Directory() string
	// FileHistory parses the history of a single file.
	FileHistory(ctx context.Context, path string) (*History, error)
	// RevisionContent returns the content of path at rev.
	RevisionContent(ctx context.Context, path, rev string) ([]byte, error)
	// HasHistory reports whether path is under version control.
	HasHistory(path string) bool
	// Update pulls upstream changes into the working copy.
	Update(ctx context.Context) error
	// IsWorking reports whether the backend's tooling is usable.
	IsWorking() bool
	// IsCacheable reports whether parsed history may be persisted.
	IsCacheable() bool
	// SupportsSubRepositories reports whether nested roots may exist one
	// level below this root.
	SupportsSubRepositories() bool
}

// DirectoryHistoryParser is implemented by repositories that can return the
// history of a whole directory in one call. It enables bulk cache creation.
type DirectoryHistoryParser interface {
	DirectoryHistory(ctx context.Context, dir string) (*History, error)
}

// Annotator is implemented by repositories that support blame.
type Annotator interface {
	Annotate(ctx context.Context, path, rev string) (*Annotation, error)
}

// Backend recognises repository roots for one SCM.
type Backend interface {
	Name() string
	// Locate reports whether dir is the root of a repository of this kind.
	Locate(dir string) bool
	// Open returns the Repository rooted at dir.
	Open(dir string) (Repository, error)
}
