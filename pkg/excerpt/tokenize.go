package excerpt

import (
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
)

var (
	tokenizer = unicode.NewUnicodeTokenizer()
	lowerCase = lowercase.NewLowerCaseFilter()
)

// Token is a lowercased term and its byte range in the source text.
type Token struct {
	Term       string
	Start, End int
}

// Tokenize splits text the way the full, defs and refs index fields are
// analyzed: unicode word segmentation followed by lowercasing.
func Tokenize(text []byte) []Token {
	buf := append([]byte(nil), text...)
	stream := lowerCase.Filter(tokenizer.Tokenize(buf))
	out := make([]Token, 0, len(stream))
	for _, t := range stream {
		out = append(out, Token{Term: string(t.Term), Start: t.Start, End: t.End})
	}
	return out
}

// Terms returns just the lowercased terms of text.
func Terms(text string) []string {
	toks := Tokenize([]byte(text))
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.Term
	}
	return out
}
