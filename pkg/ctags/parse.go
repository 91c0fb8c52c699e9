package ctags

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/jmylchreest/grok/pkg/code"
)

// ParseLine decodes one tag line into Definitions. Lines without a tab are
// ignored. Synthetic argument tags are added after the definition itself
// when the line carries a signature.
//
//	symbol<TAB>[file<TAB>]address;"<TAB>field...
func ParseLine(defs *code.Definitions, line string) bool {
	tab := strings.IndexByte(line, '\t')
	if tab <= 0 {
		return false
	}
	symbol := line[:tab]
	rest := line[tab+1:]

	address, ext := rest, ""
	if i := strings.LastIndex(rest, `;"`); i >= 0 {
		address, ext = rest[:i], strings.TrimPrefix(rest[i+2:], "\t")
	}
	if !isAddress(address) {
		// Standard tag files carry the file name before the address.
		if i := strings.IndexByte(address, '\t'); i >= 0 && isAddress(address[i+1:]) {
			address = address[i+1:]
		}
	}

	var (
		lineNo    int
		kind      string
		container string
		signature string
		hasSig    bool
	)
	fields := strings.Split(ext, "\t")
scan:
	for i := len(fields) - 1; i >= 0; i-- {
		fld := fields[i]
		if fld == "" {
			continue
		}
		switch {
		case strings.HasPrefix(fld, "line:"):
			lineNo, _ = strconv.Atoi(fld[len("line:"):])
		case strings.HasPrefix(fld, "signature:"):
			signature, hasSig = fld[len("signature:"):], true
		case strings.HasPrefix(fld, "kind:"):
			kind = fld[len("kind:"):]
		case !strings.Contains(fld, ":"):
			kind = fld
			break scan
		default:
			container = fld
		}
	}

	text := matchText(address)
	defs.Add(code.Tag{
		Line:      lineNo,
		Symbol:    symbol,
		Kind:      kind,
		Container: container,
		Text:      text,
	})

	if hasSig {
		for _, arg := range signatureArgs(signature) {
			defs.Add(code.Tag{
				Line:   lineNo,
				Symbol: arg,
				Kind:   code.KindArgument,
				Text:   symbol + signature,
			})
		}
	}
	return true
}

func isAddress(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '/', '?':
		return true
	}
	return s[0] >= '0' && s[0] <= '9'
}

// matchText strips the ex-command delimiters from a pattern address,
// unescapes slashes and collapses whitespace runs.
func matchText(address string) string {
	if address == "" || (address[0] != '/' && address[0] != '?') {
		return ""
	}
	delim := address[:1]
	s := address[1:]
	s = strings.TrimPrefix(s, "^")
	s = strings.TrimSuffix(s, delim)
	if strings.HasSuffix(s, "$") && !strings.HasSuffix(s, `\$`) {
		s = s[:len(s)-1]
	}
	s = strings.ReplaceAll(s, `\`+delim, delim)
	return collapseSpace(s)
}

func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' {
			if !inSpace {
				b.WriteByte(' ')
			}
			inSpace = true
			continue
		}
		inSpace = false
		b.WriteByte(c)
	}
	return b.String()
}

// signatureArgs returns the parameter names in a ctags signature such as
// "(char *buf, size_t n)". Each parameter contributes its trailing
// identifier; pointer stars, array bounds and type words are dropped.
func signatureArgs(sig string) []string {
	pieces := strings.FieldsFunc(sig, func(r rune) bool {
		return !(isIdentRune(r) || r == ' ' || r == '*' || r == '[' || r == ']')
	})
	var args []string
	for _, p := range pieces {
		p = strings.TrimSpace(stripBounds(p))
		if p == "" || p == "void" {
			continue
		}
		start := len(p)
		for start > 0 && isIdentRune(rune(p[start-1])) {
			start--
		}
		ident := p[start:]
		if ident == "" || unicode.IsDigit(rune(ident[0])) {
			continue
		}
		args = append(args, ident)
	}
	return args
}

// stripBounds blanks out bracketed array bounds.
func stripBounds(s string) string {
	if !strings.ContainsAny(s, "[]") {
		return s
	}
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '[':
			depth++
			b.WriteByte(' ')
		case r == ']':
			if depth > 0 {
				depth--
			}
			b.WriteByte(' ')
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
