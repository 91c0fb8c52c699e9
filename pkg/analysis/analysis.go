// Package analysis classifies source files and turns them into index
// documents and cross-reference pages.
package analysis

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"

	"github.com/jmylchreest/grok/pkg/excerpt"
	"github.com/jmylchreest/grok/pkg/store"
)

// Genre is the broad class of a file.
type Genre string

const (
	// GenrePlain is text that is tokenized and cross-referenced.
	GenrePlain Genre = "plain"
	// GenreData is binary content; only the path is indexed.
	GenreData Genre = "data"
)

// DefaultWordLimit bounds the number of tokens indexed per file.
const DefaultWordLimit = 60000

// sniffSize is how much of a file is inspected to detect binary content.
const sniffSize = 8192

// Analyzer fills an index document from file content.
type Analyzer interface {
	Name() string
	Genre() Genre
	// Analyze sets the content fields of doc. When xref is non-nil a
	// cross-reference page is written to it.
	Analyze(doc *store.Document, content []byte, xref io.Writer) error
}

// Guru picks the analyzer for a file.
type Guru struct {
	WordLimit int
}

// NewGuru returns a Guru indexing at most wordLimit tokens per file.
func NewGuru(wordLimit int) *Guru {
	if wordLimit <= 0 {
		wordLimit = DefaultWordLimit
	}
	return &Guru{WordLimit: wordLimit}
}

// Find returns the analyzer for the file at path with the given content.
func (g *Guru) Find(path string, content []byte) Analyzer {
	head := content
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	if IsBinary(head) {
		return dataAnalyzer{}
	}

	lexer := lexers.Match(filepath.Base(path))
	if lexer == nil {
		lexer = lexers.Analyse(string(head))
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	return &sourceAnalyzer{lexer: chroma.Coalesce(lexer), wordLimit: g.WordLimit}
}

// IsBinary reports whether head looks like binary content: it holds a
// NUL byte or is not valid UTF-8 away from its last few bytes.
func IsBinary(head []byte) bool {
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	if utf8.Valid(head) {
		return false
	}
	// The sniff window may split a multi-byte rune at its end.
	for cut := 1; cut < utf8.UTFMax && cut < len(head); cut++ {
		if utf8.Valid(head[:len(head)-cut]) {
			return false
		}
	}
	return true
}

// =============================================================================
// Source text
// =============================================================================

type sourceAnalyzer struct {
	lexer     chroma.Lexer
	wordLimit int
}

func (a *sourceAnalyzer) Name() string { return a.lexer.Config().Name }
func (a *sourceAnalyzer) Genre() Genre { return GenrePlain }

func (a *sourceAnalyzer) Analyze(doc *store.Document, content []byte, xref io.Writer) error {
	doc.Genre = string(GenrePlain)
	doc.Lang = a.Name()
	doc.Full = limitWords(content, a.wordLimit)

	it, err := a.lexer.Tokenise(nil, string(content))
	if err != nil {
		return fmt.Errorf("failed to tokenize %s: %w", doc.Path, err)
	}
	tokens := it.Tokens()
	doc.Refs = references(tokens, doc)

	if xref != nil {
		if err := writeXref(xref, tokens); err != nil {
			return fmt.Errorf("failed to write xref for %s: %w", doc.Path, err)
		}
	}
	return nil
}

// limitWords returns content cut after the n-th token.
func limitWords(content []byte, n int) string {
	toks := excerpt.Tokenize(content)
	if len(toks) <= n {
		return string(content)
	}
	return string(content[:toks[n-1].End])
}

// references collects the distinct names the lexer found that are not
// defined in this file.
func references(tokens []chroma.Token, doc *store.Document) string {
	seen := make(map[string]bool)
	for _, t := range tokens {
		if !t.Type.InCategory(chroma.Name) {
			continue
		}
		name := strings.TrimSpace(t.Value)
		if name == "" || seen[name] || doc.Defs.HasSymbol(name) {
			continue
		}
		seen[name] = true
	}
	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return strings.Join(refs, " ")
}

// =============================================================================
// Binary data
// =============================================================================

type dataAnalyzer struct{}

func (dataAnalyzer) Name() string { return "data" }
func (dataAnalyzer) Genre() Genre { return GenreData }

func (dataAnalyzer) Analyze(doc *store.Document, _ []byte, _ io.Writer) error {
	doc.Genre = string(GenreData)
	return nil
}
