package history

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// MercurialBackend drives the hg command.
type MercurialBackend struct {
	Binary  string
	Timeout time.Duration
}

func (MercurialBackend) Name() string { return "mercurial" }

func (MercurialBackend) Locate(dir string) bool {
	return isDir(filepath.Join(dir, ".hg"))
}

func (b MercurialBackend) Open(dir string) (Repository, error) {
	return &MercurialRepository{commandRepo: newCommandRepo(dir, b.Binary, b.Timeout)}, nil
}

// MercurialRepository is an hg working copy.
type MercurialRepository struct {
	commandRepo
}

func (r *MercurialRepository) Type() string                  { return "mercurial" }
func (r *MercurialRepository) IsCacheable() bool             { return true }
func (r *MercurialRepository) SupportsSubRepositories() bool { return true }

func (r *MercurialRepository) HasHistory(path string) bool {
	rel, err := r.relSlash(path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}
	return rel != ".hg" && !strings.HasPrefix(rel, ".hg/") && exists(path)
}

func (r *MercurialRepository) FileHistory(ctx context.Context, path string) (*History, error) {
	rel, err := r.relSlash(path)
	if err != nil {
		return nil, err
	}
	out, err := r.run(ctx, r.dir, "log", "-v", rel)
	if err != nil {
		return nil, err
	}
	return parseHgLog(out, "")
}

func (r *MercurialRepository) DirectoryHistory(ctx context.Context, dir string) (*History, error) {
	rel, err := r.relSlash(dir)
	if err != nil {
		return nil, err
	}
	args := []string{"log", "-v"}
	prefix := ""
	if rel != "." {
		args = append(args, rel)
		prefix = rel + "/"
	}
	out, err := r.run(ctx, r.dir, args...)
	if err != nil {
		return nil, err
	}
	return parseHgLog(out, prefix)
}

func (r *MercurialRepository) RevisionContent(ctx context.Context, path, rev string) ([]byte, error) {
	rel, err := r.relSlash(path)
	if err != nil {
		return nil, err
	}
	args := []string{"cat"}
	if rev != "" {
		args = append(args, "-r", rev)
	}
	return r.run(ctx, r.dir, append(args, rel)...)
}

func (r *MercurialRepository) Annotate(ctx context.Context, path, rev string) (*Annotation, error) {
	rel, err := r.relSlash(path)
	if err != nil {
		return nil, err
	}
	args := []string{"annotate", "-u", "-n"}
	if rev != "" {
		args = append(args, "-r", rev)
	}
	out, err := r.run(ctx, r.dir, append(args, rel)...)
	if err != nil {
		return nil, err
	}
	return parseHgAnnotate(path, out)
}

// Update pulls from the default path when one is configured.
func (r *MercurialRepository) Update(ctx context.Context) error {
	out, err := r.run(ctx, r.dir, "showconfig", "paths.default")
	if err != nil || len(bytes.TrimSpace(out)) == 0 {
		return nil
	}
	_, err = r.run(ctx, r.dir, "pull", "-u")
	return err
}

var hgDateLayouts = []string{
	"Mon Jan 02 15:04:05 2006 -0700",
	"Mon Jan _2 15:04:05 2006 -0700",
}

// parseHgLog reads the output of hg log -v. When prefix is non-empty only
// files under it are recorded and entries touching none are dropped.
func parseHgLog(out []byte, prefix string) (*History, error) {
	h := &History{}
	var (
		cur     *Entry
		inDesc  bool
		message []string
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Message = strings.TrimSpace(strings.Join(message, "\n"))
		if prefix == "" || len(cur.Files) > 0 {
			h.Entries = append(h.Entries, *cur)
		}
		cur, inDesc, message = nil, false, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		key, value, ok := strings.Cut(line, ":")
		if ok && key == "changeset" {
			flush()
			rev, _, _ := strings.Cut(strings.TrimSpace(value), ":")
			cur = &Entry{Revision: rev, Active: true}
			continue
		}
		if cur == nil {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, fmt.Errorf("%w: hg log: unexpected line %q", ErrParse, line)
		}
		if inDesc {
			message = append(message, line)
			continue
		}
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "user":
			cur.Author = value
		case "date":
			d, err := parseDate(value, hgDateLayouts)
			if err != nil {
				return nil, fmt.Errorf("%w: hg log: %w", ErrParse, err)
			}
			cur.Date = d
		case "files":
			for _, f := range strings.Fields(value) {
				if strings.HasPrefix(f, prefix) {
					cur.AddFile(f)
				}
			}
		case "summary":
			message = append(message, value)
		case "description":
			inDesc = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: hg log: %w", ErrParse, err)
	}
	flush()
	return h, nil
}

// parseHgAnnotate reads "user rev: text" lines.
func parseHgAnnotate(file string, out []byte) (*Annotation, error) {
	a := &Annotation{File: file}
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		head, text, ok := strings.Cut(line, ": ")
		if !ok {
			head, ok = strings.CutSuffix(line, ":")
			if !ok {
				return nil, fmt.Errorf("%w: hg annotate: unexpected line %q", ErrParse, line)
			}
		}
		fields := strings.Fields(head)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: hg annotate: unexpected line %q", ErrParse, line)
		}
		a.Lines = append(a.Lines, AnnotatedLine{
			Revision: fields[len(fields)-1],
			Author:   strings.Join(fields[:len(fields)-1], " "),
			Text:     text,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: hg annotate: %w", ErrParse, err)
	}
	return a, nil
}

func parseDate(s string, layouts []string) (time.Time, error) {
	var firstErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
