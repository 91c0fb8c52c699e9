package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	bolt "go.etcd.io/bbolt"

	"github.com/jmylchreest/grok/pkg/excerpt"
)

// Query selects documents. Every non-empty field must match; within a
// field all terms must match.
type Query struct {
	Full    string
	Defs    string
	Refs    string
	Path    string
	Hist    string
	Project string
	Limit   int
	Offset  int
}

// Fields returns the per-field query strings used for highlighting.
func (q Query) Fields() map[string]string {
	out := make(map[string]string)
	for name, v := range map[string]string{FieldFull: q.Full, FieldDefs: q.Defs, FieldRefs: q.Refs} {
		if v != "" {
			out[name] = v
		}
	}
	return out
}

// SearchResult represents a matching document with score.
type SearchResult struct {
	UID     string
	Path    string
	Project string
	Genre   string
	Lang    string
	Date    time.Time
	Score   float64
}

// SearchResults is one page of results.
type SearchResults struct {
	Total uint64
	Hits  []SearchResult
	Took  time.Duration
}

func fieldQueries(field, text string) []query.Query {
	var out []query.Query
	for _, term := range excerpt.ParseQuery(text) {
		switch term.Kind {
		case excerpt.TermPhrase:
			q := bleve.NewMatchPhraseQuery(term.Text)
			q.SetField(field)
			out = append(out, q)
		case excerpt.TermWildcard:
			q := bleve.NewWildcardQuery(strings.ToLower(term.Text))
			q.SetField(field)
			out = append(out, q)
		default:
			q := bleve.NewMatchQuery(term.Text)
			q.SetField(field)
			q.SetOperator(query.MatchQueryOperatorAnd)
			out = append(out, q)
		}
	}
	return out
}

func pathQueries(text string) []query.Query {
	var out []query.Query
	for _, term := range excerpt.ParseQuery(text) {
		if term.Kind == excerpt.TermWildcard {
			q := bleve.NewWildcardQuery(term.Text)
			q.SetField(FieldPath)
			out = append(out, q)
			continue
		}
		if utf8.RuneCountInString(term.Text) < 3 {
			q := bleve.NewWildcardQuery("*" + term.Text + "*")
			q.SetField(FieldPath)
			out = append(out, q)
			continue
		}
		q := bleve.NewMatchQuery(term.Text)
		q.SetField(FieldPathNgram)
		q.SetOperator(query.MatchQueryOperatorAnd)
		out = append(out, q)
	}
	return out
}

func (q Query) build() (query.Query, error) {
	var parts []query.Query
	parts = append(parts, fieldQueries(FieldFull, q.Full)...)
	parts = append(parts, fieldQueries(FieldDefs, q.Defs)...)
	parts = append(parts, fieldQueries(FieldRefs, q.Refs)...)
	parts = append(parts, fieldQueries(FieldHist, q.Hist)...)
	parts = append(parts, pathQueries(q.Path)...)
	if q.Project != "" {
		tq := bleve.NewTermQuery(q.Project)
		tq.SetField(FieldProject)
		parts = append(parts, tq)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty query")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return bleve.NewConjunctionQuery(parts...), nil
}

// Search runs q against the search index.
func (s *Index) Search(q Query) (*SearchResults, error) {
	bq, err := q.build()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 25
	}

	if err := s.Commit(); err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequestOptions(bq, limit, q.Offset, false)
	req.Fields = []string{FieldPath, FieldProject, FieldGenre, FieldLang, FieldDate}
	req.SortBy([]string{"-_score", FieldPath})

	res, err := s.search.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := &SearchResults{Total: res.Total, Took: res.Took, Hits: make([]SearchResult, 0, len(res.Hits))}
	for _, hit := range res.Hits {
		r := SearchResult{UID: hit.ID, Score: hit.Score}
		r.Path, _ = hit.Fields[FieldPath].(string)
		r.Project, _ = hit.Fields[FieldProject].(string)
		r.Genre, _ = hit.Fields[FieldGenre].(string)
		r.Lang, _ = hit.Fields[FieldLang].(string)
		if d, ok := hit.Fields[FieldDate].(string); ok {
			r.Date, _ = time.Parse(time.RFC3339, d)
		}
		out.Hits = append(out.Hits, r)
	}
	return out, nil
}

// Terms calls fn for every term of field whose document frequency is at
// least minFreq, in term order, until fn returns false.
func (s *Index) Terms(field string, minFreq uint64, fn func(term string, freq uint64) bool) error {
	s.mu.Lock()
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	dict, err := s.search.FieldDict(field)
	if err != nil {
		return fmt.Errorf("failed to open term dictionary for %s: %w", field, err)
	}
	defer dict.Close()

	for {
		entry, err := dict.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.Count < minFreq {
			continue
		}
		if !fn(entry.Term, entry.Count) {
			return nil
		}
	}
}

// Suggestion is a term offered for a typed prefix.
type Suggestion struct {
	Term string
	Freq uint64
}

// maxSuggestTerm drops terms longer than this from the suggestion index.
const maxSuggestTerm = 64

// RebuildSuggestions recreates the suggestion index from the definition
// and full-text term dictionaries.
func (s *Index) RebuildSuggestions() error {
	freqs := make(map[string]uint64)
	for _, field := range []string{FieldDefs, FieldFull} {
		err := s.Terms(field, 1, func(term string, freq uint64) bool {
			if len(term) >= 2 && len(term) <= maxSuggestTerm {
				freqs[term] += freq
			}
			return true
		})
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	path := filepath.Join(s.dir, SuggestDir)
	s.suggest.Close()
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove suggestion index: %w", err)
	}
	idx, err := createSearchIndex(path, buildSuggestMapping)
	if err != nil {
		return fmt.Errorf("failed to create suggestion index: %w", err)
	}
	s.suggest = idx

	batch := idx.NewBatch()
	for term, freq := range freqs {
		doc := map[string]interface{}{
			fieldTerm:     term,
			fieldTermEdge: term,
			fieldFreq:     float64(freq),
		}
		if err := batch.Index(term, doc); err != nil {
			return err
		}
		if batch.Size() >= batchSize {
			if err := idx.Batch(batch); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to write suggestions: %w", err)
	}
	storeLog.Printf("rebuilt %d suggestions in %s", len(freqs), s.dir)
	return nil
}

// Suggest returns up to limit terms starting with prefix, most frequent
// first.
func (s *Index) Suggest(prefix string, limit int) ([]Suggestion, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var q query.Query
	if n := utf8.RuneCountInString(prefix); n >= 2 && n <= 15 {
		tq := bleve.NewTermQuery(prefix)
		tq.SetField(fieldTermEdge)
		q = tq
	} else {
		pq := bleve.NewPrefixQuery(prefix)
		pq.SetField(fieldTerm)
		q = pq
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{fieldTerm, fieldFreq}
	req.SortBy([]string{"-" + fieldFreq, fieldTerm})

	s.mu.Lock()
	idx := s.suggest
	s.mu.Unlock()
	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("suggest failed: %w", err)
	}

	out := make([]Suggestion, 0, len(res.Hits))
	for _, hit := range res.Hits {
		sg := Suggestion{Term: hit.ID}
		if f, ok := hit.Fields[fieldFreq].(float64); ok {
			sg.Freq = uint64(f)
		}
		out = append(out, sg)
	}
	return out, nil
}

// Optimize flushes pending changes and compacts the bbolt database into a
// fresh file that replaces the original.
func (s *Index) Optimize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return err
	}

	path := filepath.Join(s.dir, DBFile)
	tmpPath := path + ".compact"
	os.Remove(tmpPath)

	dst, err := bolt.Open(tmpPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open compaction target: %w", err)
	}
	if err := bolt.Compact(dst, s.db, 1<<20); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to compact index db: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := s.db.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	renameErr := os.Rename(tmpPath, path)
	if renameErr != nil {
		os.Remove(tmpPath)
	}
	db, err := openDB(path)
	if err != nil {
		s.closed = true
		return fmt.Errorf("failed to reopen index db after compaction: %w", err)
	}
	s.db = db
	if renameErr != nil {
		return fmt.Errorf("failed to replace index db: %w", renameErr)
	}
	return nil
}
