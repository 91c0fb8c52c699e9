package excerpt

import (
	"net/url"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchState is the result of feeding one token to a LineMatcher.
type MatchState int

const (
	NotMatched MatchState = iota
	// Wait means the token continues a phrase that is not complete yet.
	Wait
	Matched
)

func (s MatchState) String() string {
	switch s {
	case Wait:
		return "WAIT"
	case Matched:
		return "MATCHED"
	default:
		return "NOT_MATCHED"
	}
}

// LineMatcher consumes lowercased tokens in document order.
type LineMatcher interface {
	// Match feeds the next token. On Matched, Span reports how many
	// trailing tokens, including this one, form the match.
	Match(token string) MatchState
	Span() int
	Reset()
}

type tokenMatcher struct {
	term string
}

func (m *tokenMatcher) Match(token string) MatchState {
	if token == m.term {
		return Matched
	}
	return NotMatched
}

func (m *tokenMatcher) Span() int { return 1 }
func (m *tokenMatcher) Reset()    {}

type wildcardMatcher struct {
	pattern string
}

func newWildcardMatcher(pattern string) *wildcardMatcher {
	pattern = strings.ToLower(pattern)
	// Only * and ? are wildcards in a query; quote everything else
	// doublestar treats specially.
	r := strings.NewReplacer(`\`, `\\`, "[", `\[`, "]", `\]`, "{", `\{`, "}", `\}`)
	return &wildcardMatcher{pattern: r.Replace(pattern)}
}

func (m *wildcardMatcher) Match(token string) MatchState {
	if ok, err := doublestar.Match(m.pattern, token); err == nil && ok {
		return Matched
	}
	return NotMatched
}

func (m *wildcardMatcher) Span() int { return 1 }
func (m *wildcardMatcher) Reset()    {}

type phraseMatcher struct {
	terms []string
	// border[i] is the length of the longest proper prefix of
	// terms[:i+1] that is also its suffix.
	border []int
	pos    int
}

func newPhraseMatcher(terms []string) *phraseMatcher {
	border := make([]int, len(terms))
	for i, k := 1, 0; i < len(terms); i++ {
		for k > 0 && terms[i] != terms[k] {
			k = border[k-1]
		}
		if terms[i] == terms[k] {
			k++
		}
		border[i] = k
	}
	return &phraseMatcher{terms: terms, border: border}
}

func (m *phraseMatcher) Match(token string) MatchState {
	// Fall back to the longest partial match the token can extend.
	for m.pos > 0 && token != m.terms[m.pos] {
		m.pos = m.border[m.pos-1]
	}
	if token != m.terms[m.pos] {
		return NotMatched
	}
	m.pos++
	if m.pos == len(m.terms) {
		m.pos = 0
		return Matched
	}
	return Wait
}

func (m *phraseMatcher) Span() int { return len(m.terms) }
func (m *phraseMatcher) Reset()    { m.pos = 0 }

// tokenFields are the fields whose query terms are highlighted.
var tokenFields = []string{"defs", "full", "refs"}

// Compile builds line matchers from per-field query strings. Only the
// full, defs and refs fields contribute; other fields are ignored.
func Compile(fields map[string]string) []LineMatcher {
	var out []LineMatcher
	seen := make(map[string]bool)
	add := func(key string, m LineMatcher) {
		if !seen[key] {
			seen[key] = true
			out = append(out, m)
		}
	}

	for _, field := range tokenFields {
		for _, term := range ParseQuery(fields[field]) {
			switch term.Kind {
			case TermWildcard:
				add("w:"+strings.ToLower(term.Text), newWildcardMatcher(term.Text))
			default:
				toks := Terms(term.Text)
				switch len(toks) {
				case 0:
				case 1:
					add("t:"+toks[0], &tokenMatcher{term: toks[0]})
				default:
					add("p:"+strings.Join(toks, " "), newPhraseMatcher(toks))
				}
			}
		}
	}
	return out
}

// queryURI renders fields as a URL query string in field order.
func queryURI(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + url.QueryEscape(fields[k])
	}
	return strings.Join(parts, "&")
}
