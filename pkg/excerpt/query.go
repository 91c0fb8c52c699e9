package excerpt

import (
	"strings"
	"unicode"
)

// TermKind classifies one term of a query string.
type TermKind int

const (
	TermWord TermKind = iota
	TermPhrase
	TermWildcard
)

// Term is one positive term of a query string. Text keeps the original
// case; callers lowercase it where their analysis requires it.
type Term struct {
	Kind TermKind
	Text string
}

// ParseQuery splits a query string into terms. Quoted text becomes a
// phrase, a word containing * or ? becomes a wildcard. Boolean operators,
// negated terms (-x, !x) and field prefixes are dropped.
func ParseQuery(q string) []Term {
	var terms []Term
	for i := 0; i < len(q); {
		c := q[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}

		if c == '"' {
			end := strings.IndexByte(q[i+1:], '"')
			var text string
			if end < 0 {
				text, i = q[i+1:], len(q)
			} else {
				text, i = q[i+1:i+1+end], i+end+2
			}
			if strings.TrimSpace(text) != "" {
				terms = append(terms, Term{Kind: TermPhrase, Text: text})
			}
			continue
		}

		end := strings.IndexFunc(q[i:], unicode.IsSpace)
		var word string
		if end < 0 {
			word, i = q[i:], len(q)
		} else {
			word, i = q[i:i+end], i+end
		}
		if t, ok := parseWord(word); ok {
			terms = append(terms, t)
		}
	}
	return terms
}

func parseWord(word string) (Term, bool) {
	switch word {
	case "AND", "OR", "NOT", "&&", "||":
		return Term{}, false
	}
	if strings.HasPrefix(word, "-") || strings.HasPrefix(word, "!") {
		return Term{}, false
	}
	word = strings.TrimPrefix(word, "+")
	word = strings.Trim(word, "()")
	if field, rest, ok := strings.Cut(word, ":"); ok && field != "" && isFieldName(field) {
		word = rest
	}
	if word == "" {
		return Term{}, false
	}
	if strings.ContainsAny(word, "*?") {
		return Term{Kind: TermWildcard, Text: word}, true
	}
	return Term{Kind: TermWord, Text: word}, true
}

func isFieldName(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
