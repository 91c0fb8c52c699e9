package excerpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []Term
	}{
		{"empty", "", nil},
		{"words", "foo Bar", []Term{{TermWord, "foo"}, {TermWord, "Bar"}}},
		{"phrase", `"a b c" d`, []Term{{TermPhrase, "a b c"}, {TermWord, "d"}}},
		{"wildcard", "ma*n fo?", []Term{{TermWildcard, "ma*n"}, {TermWildcard, "fo?"}}},
		{"operators dropped", "foo AND bar OR baz && qux", []Term{
			{TermWord, "foo"}, {TermWord, "bar"}, {TermWord, "baz"}, {TermWord, "qux"},
		}},
		{"negation dropped", "foo -bar !baz NOT qux", []Term{{TermWord, "foo"}, {TermWord, "qux"}}},
		{"field prefix", "full:foo +bar", []Term{{TermWord, "foo"}, {TermWord, "bar"}}},
		{"parens", "(foo bar)", []Term{{TermWord, "foo"}, {TermWord, "bar"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseQuery(tt.query))
		})
	}
}

func TestTokenize(t *testing.T) {
	toks := Tokenize([]byte("int Foo_bar(x);"))
	if assert.Len(t, toks, 3) {
		assert.Equal(t, Token{Term: "int", Start: 0, End: 3}, toks[0])
		assert.Equal(t, Token{Term: "foo_bar", Start: 4, End: 11}, toks[1])
		assert.Equal(t, Token{Term: "x", Start: 12, End: 13}, toks[2])
	}
	assert.Equal(t, []string{"hello", "world"}, Terms("Hello, WORLD!"))
}

func TestTokenizeDoesNotModifyInput(t *testing.T) {
	in := []byte("UPPER")
	Tokenize(in)
	assert.Equal(t, "UPPER", string(in))
}

// =============================================================================
// Matchers
// =============================================================================

func TestPhraseMatcher(t *testing.T) {
	m := newPhraseMatcher([]string{"a", "b", "c"})

	assert.Equal(t, Wait, m.Match("a"))
	assert.Equal(t, Wait, m.Match("b"))
	assert.Equal(t, Matched, m.Match("c"))
	assert.Equal(t, 3, m.Span())

	// An interrupted phrase is released.
	assert.Equal(t, Wait, m.Match("a"))
	assert.Equal(t, NotMatched, m.Match("x"))
	assert.Equal(t, NotMatched, m.Match("c"))

	// A repeated first term restarts the phrase.
	assert.Equal(t, Wait, m.Match("a"))
	assert.Equal(t, Wait, m.Match("a"))
	assert.Equal(t, Wait, m.Match("b"))
	assert.Equal(t, Matched, m.Match("c"))
}

func TestPhraseMatcherRepeatedPrefix(t *testing.T) {
	m := newPhraseMatcher([]string{"a", "a", "b"})
	assert.Equal(t, Wait, m.Match("a"))
	assert.Equal(t, Wait, m.Match("a"))
	assert.Equal(t, Wait, m.Match("a"))
	assert.Equal(t, Matched, m.Match("b"))

	m = newPhraseMatcher([]string{"x", "y", "x", "z"})
	for _, tok := range []string{"x", "y", "x", "y", "x"} {
		assert.Equal(t, Wait, m.Match(tok), tok)
	}
	assert.Equal(t, Matched, m.Match("z"))
	assert.Equal(t, NotMatched, m.Match("z"))
}

func TestWildcardMatcher(t *testing.T) {
	m := newWildcardMatcher("GAM*")
	assert.Equal(t, Matched, m.Match("gamma"))
	assert.Equal(t, NotMatched, m.Match("alpha"))

	m = newWildcardMatcher("a[b]?")
	assert.Equal(t, Matched, m.Match("a[b]c"))
	assert.Equal(t, NotMatched, m.Match("abc"))
}

func TestCompile(t *testing.T) {
	ms := Compile(map[string]string{
		"full": `foo "bar baz" qu*`,
		"defs": "Foo",
		"path": "ignored",
	})
	assert.Len(t, ms, 3)

	assert.Empty(t, Compile(map[string]string{"path": "x", "hist": "y"}))
	assert.Empty(t, Compile(map[string]string{"full": "-foo NOT"}))
}

func TestQueryURI(t *testing.T) {
	got := queryURI(map[string]string{"refs": "b c", "full": `"a"`, "path": ""})
	assert.Equal(t, "full=%22a%22&refs=b+c", got)
}
