package store

import "github.com/jmylchreest/grok/pkg/code"

// IndexStore is what the indexer needs from a partition store.
type IndexStore interface {
	AddDocument(doc *Document) error
	DeleteDocument(uid string) error
	UIDs(prefix string) *UIDCursor
	Commit() error
	Optimize() error
	RebuildSuggestions() error
	Close() error
}

// QueryStore is what search-time callers need.
type QueryStore interface {
	Search(q Query) (*SearchResults, error)
	Suggest(prefix string, limit int) ([]Suggestion, error)
	Definitions(path string) (*code.Definitions, error)
	Document(path string) (*DocumentMeta, error)
	Terms(field string, minFreq uint64, fn func(term string, freq uint64) bool) error
	Paths(fn func(path string) bool) error
}

// Verify Index implements both at compile time.
var (
	_ IndexStore = (*Index)(nil)
	_ QueryStore = (*Index)(nil)
)
