// Package code holds the symbol definitions extracted from source files.
package code

import (
	"encoding/json"
	"sort"
)

// Tag kinds with special meaning to the indexer.
const (
	// KindArgument marks synthetic tags derived from a function signature.
	KindArgument = "argument"
)

// Tag is one symbol definition.
type Tag struct {
	Line      int    `json:"line"`                // 1-indexed source line
	Symbol    string `json:"symbol"`              // Defined name
	Kind      string `json:"kind"`                // ctags kind (function, f, variable, ...)
	Container string `json:"container,omitempty"` // Enclosing scope or inherits text
	Text      string `json:"text"`                // Source line the symbol was found on
}

// Definitions is the ordered set of tags found in one file.
type Definitions struct {
	tags    []Tag
	symbols map[string][]int // symbol -> indexes into tags
	lines   map[int][]int    // line -> indexes into tags
}

// NewDefinitions returns an empty Definitions.
func NewDefinitions() *Definitions {
	return &Definitions{
		symbols: make(map[string][]int),
		lines:   make(map[int][]int),
	}
}

// Add appends a tag, keeping insertion order.
func (d *Definitions) Add(tag Tag) {
	if d.symbols == nil {
		d.symbols = make(map[string][]int)
		d.lines = make(map[int][]int)
	}
	idx := len(d.tags)
	d.tags = append(d.tags, tag)
	d.symbols[tag.Symbol] = append(d.symbols[tag.Symbol], idx)
	d.lines[tag.Line] = append(d.lines[tag.Line], idx)
}

// Tags returns all tags in insertion order.
func (d *Definitions) Tags() []Tag {
	if d == nil {
		return nil
	}
	return d.tags
}

// Len returns the number of tags.
func (d *Definitions) Len() int {
	if d == nil {
		return 0
	}
	return len(d.tags)
}

// HasSymbol reports whether symbol is defined anywhere in the file.
func (d *Definitions) HasSymbol(symbol string) bool {
	if d == nil {
		return false
	}
	return len(d.symbols[symbol]) > 0
}

// HasDefinitionAt reports whether symbol is defined on the given line.
func (d *Definitions) HasDefinitionAt(symbol string, line int) bool {
	if d == nil {
		return false
	}
	for _, i := range d.lines[line] {
		if d.tags[i].Symbol == symbol {
			return true
		}
	}
	return false
}

// TagsOnLine returns the tags defined on line.
func (d *Definitions) TagsOnLine(line int) []Tag {
	if d == nil {
		return nil
	}
	idx := d.lines[line]
	out := make([]Tag, 0, len(idx))
	for _, i := range idx {
		out = append(out, d.tags[i])
	}
	return out
}

// Symbols returns the distinct defined names, sorted.
func (d *Definitions) Symbols() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.symbols))
	for s := range d.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the tags as a JSON array.
func (d *Definitions) MarshalJSON() ([]byte, error) {
	if d.tags == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.tags)
}

// UnmarshalJSON decodes a JSON array of tags and rebuilds the lookup maps.
func (d *Definitions) UnmarshalJSON(data []byte) error {
	var tags []Tag
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*d = *NewDefinitions()
	for _, t := range tags {
		d.Add(t)
	}
	return nil
}
