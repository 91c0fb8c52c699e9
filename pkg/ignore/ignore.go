// Package ignore decides which files and directories the indexer skips.
//
// Three kinds of rule are combined:
//
//	SCCS            exact base names (version-control metadata, tag files)
//	*~              glob patterns on the base name (doublestar syntax)
//	.grokignore     an optional gitignore-syntax file at the source root
//
// Exact names and globs are checked against the base name only, so a rule
// like "CVS" hides every CVS directory at any depth. The ignore file is
// evaluated against the path relative to the source root.
package ignore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultFileName is the optional per-tree ignore file.
const DefaultFileName = ".grokignore"

// Defaults are applied to every Matcher. They cover SCM metadata, cscope
// and ctags output, and editor backups.
var Defaults = []string{
	"SCCS",
	"CVS",
	"RCS",
	"cscope.in.out",
	"cscope.out.po",
	"cscope.out.in",
	"cscope.po.out",
	"cscope.po.in",
	"cscope.files",
	"cscope.out",
	"Codemgr_wsdata",
	".cvsignore",
	"CVSROOT",
	"TAGS",
	"tags",
	".svn",
	".hg",
	".hgtags",
	".git",
	".bzr",
	".grok",
	"*~",
}

// Matcher tests whether a path should be ignored.
type Matcher struct {
	root     string
	names    map[string]bool
	patterns []string
	file     *gitignore.GitIgnore
}

// New creates a Matcher from Defaults, the extra patterns and, when present,
// the gitignore-syntax file <root>/<fileName>. A missing file is not an error.
func New(root, fileName string, extra []string) (*Matcher, error) {
	m := NewFromDefaults()
	m.root = root
	for _, p := range extra {
		m.Add(p)
	}

	if fileName == "" {
		return m, nil
	}
	path := fileName
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, fileName)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	gi, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return nil, err
	}
	m.file = gi
	return m, nil
}

// NewFromDefaults creates a Matcher holding only Defaults.
func NewFromDefaults() *Matcher {
	m := NewEmpty()
	for _, p := range Defaults {
		m.Add(p)
	}
	return m
}

// NewEmpty creates a Matcher that ignores nothing.
func NewEmpty() *Matcher {
	return &Matcher{names: make(map[string]bool)}
}

// Add registers an exact name, or a glob pattern when it contains * or ?.
func (m *Matcher) Add(pattern string) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return
	}
	if strings.ContainsAny(pattern, "*?") {
		if !doublestar.ValidatePattern(pattern) {
			return
		}
		m.patterns = append(m.patterns, pattern)
		return
	}
	m.names[pattern] = true
}

// Ignore reports whether path should be skipped. path may be absolute or
// relative to the Matcher's root.
func (m *Matcher) Ignore(path string) bool {
	return m.IgnoreEntry(path, false)
}

// IgnoreEntry is Ignore with an explicit directory flag, which the ignore
// file needs to honour directory-only rules such as "build/".
func (m *Matcher) IgnoreEntry(path string, isDir bool) bool {
	name := filepath.Base(path)
	if m.names[name] {
		return true
	}
	for _, p := range m.patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}

	if m.file == nil {
		return false
	}
	rel := path
	if m.root != "" && filepath.IsAbs(path) {
		r, err := filepath.Rel(m.root, path)
		if err != nil || strings.HasPrefix(r, "..") {
			return false
		}
		rel = r
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return false
	}
	if isDir {
		rel += "/"
	}
	return m.file.MatchesPath(rel)
}

// Patterns lists every exact name and glob, sorted.
func (m *Matcher) Patterns() []string {
	out := make([]string, 0, len(m.names)+len(m.patterns))
	for n := range m.names {
		out = append(out, n)
	}
	out = append(out, m.patterns...)
	sort.Strings(out)
	return out
}
