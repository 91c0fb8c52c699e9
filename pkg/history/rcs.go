package history

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/grok/pkg/proc"
)

// RCSBackend drives rlog and co.
type RCSBackend struct {
	Log      string
	Checkout string
	Timeout  time.Duration
}

func (RCSBackend) Name() string { return "rcs" }

func (RCSBackend) Locate(dir string) bool {
	return isDir(filepath.Join(dir, "RCS"))
}

func (b RCSBackend) Open(dir string) (Repository, error) {
	r := &RCSRepository{commandRepo: newCommandRepo(dir, b.Log, b.Timeout), checkout: b.Checkout}
	r.working = r.working && proc.Available(b.Checkout)
	return r, nil
}

// RCSRepository is a directory tree whose files keep their history in
// RCS/<name>,v archives.
type RCSRepository struct {
	commandRepo
	checkout string
}

func (r *RCSRepository) Type() string                  { return "rcs" }
func (r *RCSRepository) IsCacheable() bool             { return false }
func (r *RCSRepository) SupportsSubRepositories() bool { return false }

// archive returns the RCS file holding the history of path, or "".
func (r *RCSRepository) archive(path string) string {
	dir, name := filepath.Split(path)
	for _, candidate := range []string{
		filepath.Join(dir, "RCS", name+",v"),
		path + ",v",
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func (r *RCSRepository) HasHistory(path string) bool {
	return r.archive(path) != ""
}

func (r *RCSRepository) FileHistory(ctx context.Context, path string) (*History, error) {
	archive := r.archive(path)
	if archive == "" {
		return &History{}, nil
	}
	out, err := r.run(ctx, filepath.Dir(path), archive)
	if err != nil {
		return nil, err
	}
	return parseRlog(out)
}

func (r *RCSRepository) RevisionContent(ctx context.Context, path, rev string) ([]byte, error) {
	archive := r.archive(path)
	if archive == "" {
		return nil, fmt.Errorf("%w: no RCS archive for %s", ErrNoRepository, path)
	}
	return r.runBinary(ctx, r.checkout, filepath.Dir(path), "-p"+rev, archive)
}

func (r *RCSRepository) Update(context.Context) error {
	return fmt.Errorf("rcs update: %w", ErrUnsupported)
}

const (
	rlogRevisionSep = "----------------------------"
	rlogFileSep     = "============================================================================="
)

var rlogDateLayouts = []string{
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05-07:00",
}

// parseRlog reads the output of rlog for a single archive.
func parseRlog(out []byte) (*History, error) {
	h := &History{}
	var (
		cur     *Entry
		message []string
		started bool
	)
	flush := func() {
		if cur != nil {
			cur.Message = strings.TrimSpace(strings.Join(message, "\n"))
			h.Entries = append(h.Entries, *cur)
		}
		cur, message = nil, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == rlogRevisionSep:
			flush()
			started = true
			continue
		case line == rlogFileSep:
			flush()
			started = false
			continue
		case !started:
			continue
		}

		if cur == nil {
			rev, ok := strings.CutPrefix(line, "revision ")
			if !ok {
				return nil, fmt.Errorf("%w: rlog: expected revision, got %q", ErrParse, line)
			}
			rev, _, _ = strings.Cut(rev, "\t")
			cur = &Entry{Revision: strings.TrimSpace(rev), Active: true}
			continue
		}
		if cur.Date.IsZero() && strings.HasPrefix(line, "date: ") {
			if err := parseRlogDateLine(cur, line); err != nil {
				return nil, err
			}
			continue
		}
		if len(message) == 0 && strings.HasPrefix(line, "branches:") {
			continue
		}
		message = append(message, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: rlog: %w", ErrParse, err)
	}
	flush()
	return h, nil
}

// parseRlogDateLine reads "date: D;  author: A;  state: S;  lines: ...".
func parseRlogDateLine(e *Entry, line string) error {
	for _, part := range strings.Split(line, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), ": ")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "date":
			d, err := parseDate(value, rlogDateLayouts)
			if err != nil {
				return fmt.Errorf("%w: rlog: %w", ErrParse, err)
			}
			e.Date = d
		case "author":
			e.Author = value
		case "state":
			e.Active = value != "dead"
		}
	}
	return nil
}
