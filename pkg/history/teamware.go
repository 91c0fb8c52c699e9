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
)

// TeamwareBackend drives sccs inside a Teamware workspace.
type TeamwareBackend struct {
	Binary  string
	Timeout time.Duration
}

func (TeamwareBackend) Name() string { return "teamware" }

func (TeamwareBackend) Locate(dir string) bool {
	return isDir(filepath.Join(dir, "Codemgr_wsdata"))
}

func (b TeamwareBackend) Open(dir string) (Repository, error) {
	return &TeamwareRepository{commandRepo: newCommandRepo(dir, b.Binary, b.Timeout)}, nil
}

// TeamwareRepository is a Teamware workspace of SCCS files.
type TeamwareRepository struct {
	commandRepo
}

func (r *TeamwareRepository) Type() string                  { return "teamware" }
func (r *TeamwareRepository) IsCacheable() bool             { return false }
func (r *TeamwareRepository) SupportsSubRepositories() bool { return false }

func sccsFile(path string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, "SCCS", "s."+name)
}

func (r *TeamwareRepository) HasHistory(path string) bool {
	info, err := os.Stat(sccsFile(path))
	return err == nil && !info.IsDir()
}

const (
	sccsDeltaMarker = "__grok_sccs_delta__"
	sccsPrsFormat   = sccsDeltaMarker + `\n:I:\t:D: :T:\t:P:\n:C:`
)

func (r *TeamwareRepository) FileHistory(ctx context.Context, path string) (*History, error) {
	if !r.HasHistory(path) {
		return &History{}, nil
	}
	out, err := r.run(ctx, filepath.Dir(path), "prs", "-e", "-d", sccsPrsFormat, sccsFile(path))
	if err != nil {
		return nil, err
	}
	return parseSCCSHistory(out)
}

func (r *TeamwareRepository) RevisionContent(ctx context.Context, path, rev string) ([]byte, error) {
	args := []string{"get", "-p", "-s"}
	if rev != "" {
		args = append(args, "-r"+rev)
	}
	return r.run(ctx, filepath.Dir(path), append(args, sccsFile(path))...)
}

func (r *TeamwareRepository) Annotate(ctx context.Context, path, rev string) (*Annotation, error) {
	dir := filepath.Dir(path)
	authorsOut, err := r.run(ctx, dir, "prs", "-e", "-d", ":I: :P:", sccsFile(path))
	if err != nil {
		return nil, err
	}
	authors := make(map[string]string)
	for _, line := range strings.Split(string(authorsOut), "\n") {
		if sid, user, ok := strings.Cut(strings.TrimSpace(line), " "); ok {
			authors[sid] = user
		}
	}

	args := []string{"get", "-m", "-p", "-s"}
	if rev != "" {
		args = append(args, "-r"+rev)
	}
	out, err := r.run(ctx, dir, append(args, sccsFile(path))...)
	if err != nil {
		return nil, err
	}
	return parseSCCSAnnotate(path, out, authors)
}

func (r *TeamwareRepository) Update(context.Context) error {
	return fmt.Errorf("teamware update: %w", ErrUnsupported)
}

const sccsDateLayout = "06/01/02 15:04:05"

// parseSCCSHistory reads prs output produced with sccsPrsFormat.
func parseSCCSHistory(out []byte) (*History, error) {
	h := &History{}
	var (
		cur     *Entry
		header  bool
		message []string
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
		if line == sccsDeltaMarker {
			flush()
			header = true
			continue
		}
		if header {
			header = false
			parts := strings.Split(line, "\t")
			if len(parts) != 3 {
				return nil, fmt.Errorf("%w: prs: unexpected delta line %q", ErrParse, line)
			}
			d, err := time.Parse(sccsDateLayout, strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, fmt.Errorf("%w: prs: %w", ErrParse, err)
			}
			cur = &Entry{
				Revision: strings.TrimSpace(parts[0]),
				Date:     d.UTC(),
				Author:   strings.TrimSpace(parts[2]),
				Active:   true,
			}
			continue
		}
		if cur != nil {
			message = append(message, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: prs: %w", ErrParse, err)
	}
	flush()
	return h, nil
}

// parseSCCSAnnotate reads "SID<TAB>text" lines from get -m.
func parseSCCSAnnotate(file string, out []byte, authors map[string]string) (*Annotation, error) {
	a := &Annotation{File: file}
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		sid, text, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("%w: get -m: unexpected line %q", ErrParse, line)
		}
		a.Lines = append(a.Lines, AnnotatedLine{Revision: sid, Author: authors[sid], Text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: get -m: %w", ErrParse, err)
	}
	return a, nil
}
