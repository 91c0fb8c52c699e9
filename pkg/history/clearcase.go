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

// ClearCaseBackend drives cleartool in a snapshot or dynamic view.
type ClearCaseBackend struct {
	Binary  string
	Timeout time.Duration
}

func (ClearCaseBackend) Name() string { return "clearcase" }

func (ClearCaseBackend) Locate(dir string) bool {
	return exists(filepath.Join(dir, "view.dat"))
}

func (b ClearCaseBackend) Open(dir string) (Repository, error) {
	return &ClearCaseRepository{commandRepo: newCommandRepo(dir, b.Binary, b.Timeout)}, nil
}

// ClearCaseRepository is a ClearCase view.
type ClearCaseRepository struct {
	commandRepo
}

func (r *ClearCaseRepository) Type() string                  { return "clearcase" }
func (r *ClearCaseRepository) IsCacheable() bool             { return true }
func (r *ClearCaseRepository) SupportsSubRepositories() bool { return false }

func (r *ClearCaseRepository) HasHistory(path string) bool {
	return filepath.Base(path) != "view.dat" && exists(path)
}

// clearcaseHistoryFormat prints one block per event terminated by a lone ".".
const clearcaseHistoryFormat = "%e\\n%Nd\\n%Fu (%u)\\n%Vn\\n%Nc\\n.\\n"

func (r *ClearCaseRepository) FileHistory(ctx context.Context, path string) (*History, error) {
	dir, name := filepath.Split(path)
	out, err := r.run(ctx, dir, "lshistory", "-fmt", clearcaseHistoryFormat, name)
	if err != nil {
		return nil, err
	}
	return parseClearCaseHistory(out)
}

func (r *ClearCaseRepository) RevisionContent(ctx context.Context, path, rev string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "grok-clearcase-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	tmp.Close()
	// cleartool refuses to overwrite an existing target.
	os.Remove(tmpName)
	defer os.Remove(tmpName)

	dir, name := filepath.Split(path)
	if _, err := r.run(ctx, dir, "get", "-to", tmpName, name+"@@"+rev); err != nil {
		return nil, err
	}
	return os.ReadFile(tmpName)
}

func (r *ClearCaseRepository) Update(ctx context.Context) error {
	_, err := r.run(ctx, r.dir, "update", "-overwrite", "-f")
	return err
}

const clearcaseDateLayout = "20060102.150405"

// parseClearCaseHistory keeps only version-creation events.
func parseClearCaseHistory(out []byte) (*History, error) {
	h := &History{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}

	for {
		event, ok := next()
		if !ok {
			break
		}
		if strings.TrimSpace(event) == "" {
			continue
		}
		date, ok1 := next()
		author, ok2 := next()
		version, ok3 := next()
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("%w: lshistory: truncated record for %q", ErrParse, event)
		}
		var comment []string
		for {
			line, ok := next()
			if !ok || line == "." {
				break
			}
			comment = append(comment, line)
		}

		if event != "create version" && event != "create directory version" {
			continue
		}
		d, err := time.Parse(clearcaseDateLayout, strings.TrimSpace(date))
		if err != nil {
			return nil, fmt.Errorf("%w: lshistory: %w", ErrParse, err)
		}
		h.Entries = append(h.Entries, Entry{
			Revision: strings.ReplaceAll(strings.TrimSpace(version), `\`, "/"),
			Author:   strings.TrimSpace(author),
			Date:     d.UTC(),
			Message:  strings.TrimSpace(strings.Join(comment, "\n")),
			Active:   true,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: lshistory: %w", ErrParse, err)
	}
	return h, nil
}
