package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/edgengram"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/ngram"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	bolt "go.etcd.io/bbolt"
)

// Analyzer names. AnalyzerText is the chain every searchable text field
// uses; query-time highlighting tokenizes the same way.
const (
	AnalyzerText  = "standard_lower"
	AnalyzerEdge  = "edge_ngram"
	AnalyzerNgram = "ngram"
)

// Document field names.
const (
	FieldFull      = "full"
	FieldDefs      = "defs"
	FieldRefs      = "refs"
	FieldHist      = "hist"
	FieldPath      = "path"
	FieldPathNgram = "path_ngram"
	FieldProject   = "project"
	FieldGenre     = "genre"
	FieldLang      = "lang"
	FieldDate      = "date"
)

// Suggestion document fields.
const (
	fieldTerm     = "term"
	fieldTermEdge = "term_edge"
	fieldFreq     = "freq"
)

const metaSearchMappingHash = "search_mapping_hash"

func addAnalyzers(m *mapping.IndexMappingImpl) error {
	err := m.AddCustomAnalyzer(AnalyzerText, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create standard analyzer: %w", err)
	}

	// Edge n-gram for prefix matching (fo -> foo, foobar)
	err = m.AddCustomTokenFilter("edge_ngram_filter", map[string]interface{}{
		"type": edgengram.Name,
		"min":  2.0,
		"max":  15.0,
	})
	if err != nil {
		return fmt.Errorf("failed to create edge ngram filter: %w", err)
	}
	err = m.AddCustomAnalyzer(AnalyzerEdge, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			"edge_ngram_filter",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create edge ngram analyzer: %w", err)
	}

	// N-gram for substring matching inside path components
	err = m.AddCustomTokenFilter("ngram_filter", map[string]interface{}{
		"type": ngram.Name,
		"min":  3.0,
		"max":  8.0,
	})
	if err != nil {
		return fmt.Errorf("failed to create ngram filter: %w", err)
	}
	err = m.AddCustomAnalyzer(AnalyzerNgram, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			"ngram_filter",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create ngram analyzer: %w", err)
	}
	return nil
}

func textField(analyzer string, store bool) *mapping.FieldMapping {
	f := bleve.NewTextFieldMapping()
	f.Analyzer = analyzer
	f.Store = store
	return f
}

// buildDocumentMapping creates the mapping for indexed source files.
func buildDocumentMapping() (mapping.IndexMapping, error) {
	indexMapping := bleve.NewIndexMapping()
	if err := addAnalyzers(indexMapping); err != nil {
		return nil, err
	}

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(FieldFull, textField(AnalyzerText, false))
	doc.AddFieldMappingsAt(FieldDefs, textField(AnalyzerText, false))
	doc.AddFieldMappingsAt(FieldRefs, textField(AnalyzerText, false))
	doc.AddFieldMappingsAt(FieldHist, textField(AnalyzerText, false))

	pathNgram := textField(AnalyzerNgram, false)
	pathNgram.IncludeInAll = false
	doc.AddFieldMappingsAt(FieldPathNgram, pathNgram)

	// Keyword fields (exact match filtering)
	for _, name := range []string{FieldPath, FieldProject, FieldGenre, FieldLang} {
		doc.AddFieldMappingsAt(name, textField(keyword.Name, true))
	}

	date := bleve.NewDateTimeFieldMapping()
	date.Store = true
	doc.AddFieldMappingsAt(FieldDate, date)

	indexMapping.AddDocumentMapping("file", doc)
	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = AnalyzerText
	return indexMapping, nil
}

// buildSuggestMapping creates the mapping for the suggestion index: one
// document per distinct term.
func buildSuggestMapping() (mapping.IndexMapping, error) {
	indexMapping := bleve.NewIndexMapping()
	if err := addAnalyzers(indexMapping); err != nil {
		return nil, err
	}

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldTerm, textField(keyword.Name, true))

	edge := textField(AnalyzerEdge, false)
	edge.IncludeInAll = false
	doc.AddFieldMappingsAt(fieldTermEdge, edge)

	freq := bleve.NewNumericFieldMapping()
	freq.Store = true
	doc.AddFieldMappingsAt(fieldFreq, freq)

	indexMapping.AddDocumentMapping("term", doc)
	indexMapping.DefaultMapping = doc
	return indexMapping, nil
}

// openOrCreateSearchIndex opens an existing bleve index or creates a new one.
// If the existing index is corrupted, it is removed and recreated from
// scratch.
func openOrCreateSearchIndex(path string, build func() (mapping.IndexMapping, error)) (bleve.Index, error) {
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return createSearchIndex(path, build)
	}

	index, err := bleve.Open(path)
	if err == nil {
		return index, nil
	}

	storeLog.Printf("search index corrupted at %s (%v), rebuilding", path, err)
	if removeErr := os.RemoveAll(path); removeErr != nil {
		return nil, fmt.Errorf("failed to remove corrupted search index: %w (original error: %v)", removeErr, err)
	}
	return createSearchIndex(path, build)
}

func createSearchIndex(path string, build func() (mapping.IndexMapping, error)) (bleve.Index, error) {
	m, err := build()
	if err != nil {
		return nil, err
	}
	return bleve.New(path, m)
}

// ensureSearchMapping compares the stored mapping hash with the current
// mapping. Full text is not kept in bbolt, so a changed mapping empties the
// partition and the next update re-adds every file.
func (s *Index) ensureSearchMapping() error {
	m, err := buildDocumentMapping()
	if err != nil {
		return err
	}
	hash := MappingHash(m)

	stored, err := s.GetMeta(metaSearchMappingHash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if hash == stored {
		return nil
	}

	if stored != "" {
		storeLog.Printf("search mapping changed, clearing %s for a full reindex", s.dir)
		if err := s.resetLocked(); err != nil {
			return err
		}
	}

	return s.SetMeta(metaSearchMappingHash, hash)
}

// resetLocked empties the document buckets and recreates the search index.
func (s *Index) resetLocked() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{BucketUIDs, BucketPaths, BucketDefs} {
			if err := tx.DeleteBucket(bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear buckets: %w", err)
	}

	path := filepath.Join(s.dir, SearchDir)
	s.search.Close()
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	index, err := createSearchIndex(path, buildDocumentMapping)
	if err != nil {
		return err
	}
	s.search = index
	s.batch = index.NewBatch()
	return nil
}

// Clear removes every document from the partition.
func (s *Index) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.resetLocked()
}
