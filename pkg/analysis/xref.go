package analysis

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
)

// XrefExt is appended to compressed cross-reference files.
const XrefExt = ".gz"

var xrefFormatter = html.New(
	html.WithClasses(true),
	html.WithLineNumbers(true),
	html.WithLinkableLineNumbers(true, ""),
)

func writeXref(w io.Writer, tokens []chroma.Token) error {
	return xrefFormatter.Format(w, styles.Get("github"), chroma.Literator(tokens...))
}

// XrefPath returns where the cross-reference page of a source path lives
// under dir.
func XrefPath(dir, path string, compressed bool) string {
	p := filepath.Join(dir, filepath.FromSlash(path))
	if compressed {
		p += XrefExt
	}
	return p
}

// XrefFile is a cross-reference page being written. It is moved into
// place by Commit and discarded by Abort.
type XrefFile struct {
	target string
	tmp    *os.File
	gz     *gzip.Writer
	w      io.Writer
}

// CreateXref starts a cross-reference page at target, gzip-compressed
// when compress is set.
func CreateXref(target string, compress bool) (*XrefFile, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create xref directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".xref-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create xref file: %w", err)
	}
	x := &XrefFile{target: target, tmp: tmp, w: tmp}
	if compress {
		x.gz = gzip.NewWriter(tmp)
		x.w = x.gz
	}
	return x, nil
}

func (x *XrefFile) Write(p []byte) (int, error) {
	return x.w.Write(p)
}

// Commit finishes the page and renames it over the target.
func (x *XrefFile) Commit() error {
	if x.gz != nil {
		if err := x.gz.Close(); err != nil {
			x.Abort()
			return fmt.Errorf("failed to compress xref: %w", err)
		}
	}
	if err := x.tmp.Close(); err != nil {
		os.Remove(x.tmp.Name())
		return fmt.Errorf("failed to close xref: %w", err)
	}
	if err := os.Rename(x.tmp.Name(), x.target); err != nil {
		os.Remove(x.tmp.Name())
		return fmt.Errorf("failed to install xref: %w", err)
	}
	return nil
}

// Abort discards the page.
func (x *XrefFile) Abort() {
	x.tmp.Close()
	os.Remove(x.tmp.Name())
}

// RemoveXref deletes the cross-reference page of a source path, in either
// form. A missing page is not an error.
func RemoveXref(dir, path string) error {
	for _, compressed := range []bool{true, false} {
		err := os.Remove(XrefPath(dir, path, compressed))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove xref: %w", err)
		}
	}
	return nil
}

// OpenXref opens the cross-reference page of a source path for reading,
// decompressing when needed.
func OpenXref(dir, path string) (io.ReadCloser, error) {
	if f, err := os.Open(XrefPath(dir, path, true)); err == nil {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read xref: %w", err)
		}
		return &gzipFile{Reader: gz, f: f}, nil
	}
	return os.Open(XrefPath(dir, path, false))
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.f.Close()
}
