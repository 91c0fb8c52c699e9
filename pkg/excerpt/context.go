// Package excerpt renders highlighted search-result excerpts.
//
// A Context is compiled from the per-field query strings of a search. It
// scans source content line by line, feeding each token to its line
// matchers, and renders the lines holding a match either as an HTML
// fragment or as a list of Hits. Phrase matches may span several source
// lines; each line gets its own highlight span so the fragment stays
// well-formed.
//
// A Context carries matcher state and must not be used concurrently.
package excerpt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jmylchreest/grok/pkg/code"
)

// Quick scan limits.
const (
	MaxFileRead  = 1 << 20 // bytes read from one file in quick mode
	LookBack     = 100     // bytes searched backwards for a newline at the cap
	MaxLines     = 10      // matched lines rendered when limited
	ContextBytes = 100     // bytes kept around the first match of a line
)

const hellip = "&hellip;"

// Hit is one matched line.
type Hit struct {
	Path   string
	LineNo int
	// Line is the HTML fragment of the line with matches wrapped in <b>.
	Line string
	// Tag is the definition kind when the line defines a matched symbol.
	Tag string
}

// Options control how one file's excerpt is rendered.
type Options struct {
	URLPrefix  string // prefix for per-line anchors
	MorePrefix string // prefix for the [all...] link
	Path       string
	Defs       *code.Definitions
	// Limit caps the rendered lines and, with Context.QuickScan, the
	// number of bytes read.
	Limit bool
}

// Context turns a compiled query into excerpts.
type Context struct {
	// QuickScan bounds the bytes read per file when Options.Limit is set.
	QuickScan bool

	fields   map[string]string
	matchers []LineMatcher
	maxHold  int
}

// New compiles the query fields into a Context.
func New(fields map[string]string) *Context {
	c := &Context{
		QuickScan: true,
		fields:    fields,
		matchers:  Compile(fields),
	}
	for _, m := range c.matchers {
		if s := m.Span() - 1; s > c.maxHold {
			c.maxHold = s
		}
	}
	return c
}

// IsEmpty reports whether the query has nothing to highlight.
func (c *Context) IsEmpty() bool {
	return len(c.matchers) == 0
}

// Write renders the matched lines of r to w as HTML. With a nil reader
// only the symbol names in opts.Defs are matched. It reports whether
// anything matched.
func (c *Context) Write(r io.Reader, w io.Writer, opts Options) (bool, error) {
	if c.IsEmpty() {
		return false, nil
	}
	if r == nil {
		return c.writeDefinitions(w, opts)
	}

	bw := bufio.NewWriter(w)
	res, err := c.scan(r, opts, func(l *line) {
		tag := l.tag(opts.Defs)
		fmt.Fprintf(bw, `<a class="s" href="%s#%d"><span class="l">%d</span> %s</a>`,
			html.EscapeString(opts.URLPrefix+opts.Path), l.no, l.no, l.render(opts.Limit))
		if tag != "" {
			fmt.Fprintf(bw, " <i> %s </i>", html.EscapeString(tag))
		}
		bw.WriteString("<br/>")
	})
	if err != nil {
		return false, err
	}
	if opts.Limit && (res.truncated || res.capped) {
		c.writeMoreLink(bw, opts)
	}
	if err := bw.Flush(); err != nil {
		return false, fmt.Errorf("failed to write excerpt: %w", err)
	}
	return res.matched > 0, nil
}

// Hits returns the matched lines of r. With a nil reader only the symbol
// names in opts.Defs are matched.
func (c *Context) Hits(r io.Reader, opts Options) ([]Hit, error) {
	if c.IsEmpty() {
		return nil, nil
	}
	if r == nil {
		return c.definitionHits(opts), nil
	}

	var hits []Hit
	_, err := c.scan(r, opts, func(l *line) {
		hits = append(hits, Hit{
			Path:   opts.Path,
			LineNo: l.no,
			Line:   l.render(opts.Limit),
			Tag:    l.tag(opts.Defs),
		})
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (c *Context) writeMoreLink(w io.StringWriter, opts Options) {
	href := opts.MorePrefix + opts.Path + "?" + queryURI(c.fields)
	w.WriteString(`&nbsp; &nbsp; [<a href="` + html.EscapeString(href) + `">all</a>...]`)
}

// =============================================================================
// Scanning
// =============================================================================

type scanResult struct {
	matched   int
	truncated bool // quick scan stopped at the byte cap
	capped    bool // MaxLines matched lines were emitted
}

type span struct{ start, end int }

// line is a source line waiting to be emitted.
type line struct {
	no    int
	text  string
	spans []span
}

func (l *line) mark(start, end int) {
	n := len(l.spans)
	if n > 0 && start <= l.spans[n-1].end {
		if end > l.spans[n-1].end {
			l.spans[n-1].end = end
		}
		return
	}
	l.spans = append(l.spans, span{start, end})
}

// heldToken is a token that continues an unfinished phrase.
type heldToken struct {
	line       *line
	start, end int
}

func (c *Context) scan(r io.Reader, opts Options, emit func(*line)) (scanResult, error) {
	var res scanResult
	for _, m := range c.matchers {
		m.Reset()
	}

	src := bufio.NewReader(r)
	if opts.Limit && c.QuickScan {
		data, truncated, err := readCapped(r)
		if err != nil {
			return res, err
		}
		res.truncated = truncated
		src = bufio.NewReader(bytes.NewReader(data))
	}

	var (
		pending []*line
		held    []heldToken
	)
	// flush emits every pending line no held token refers to.
	flush := func(all bool) bool {
		keep := 0
		if !all && len(held) > 0 {
			first := held[0].line.no
			for keep < len(pending) && pending[keep].no < first {
				keep++
			}
		} else {
			keep = len(pending)
		}
		for _, l := range pending[:keep] {
			if len(l.spans) == 0 {
				continue
			}
			emit(l)
			res.matched++
			if opts.Limit && res.matched >= MaxLines {
				res.capped = true
				return false
			}
		}
		pending = append(pending[:0], pending[keep:]...)
		return true
	}

	for no := 1; ; no++ {
		text, err := src.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return res, fmt.Errorf("failed to read content: %w", err)
		}
		if text == "" && err != nil {
			break
		}
		text = strings.TrimRight(text, "\r\n")

		l := &line{no: no, text: text}
		pending = append(pending, l)
		for _, tok := range Tokenize([]byte(text)) {
			state, n := c.feed(tok.Term)
			switch state {
			case Matched:
				from := len(held) - (n - 1)
				if from < 0 {
					from = 0
				}
				markRun(append(held[from:], heldToken{line: l, start: tok.Start, end: tok.End}))
				held = held[:0]
			case Wait:
				held = append(held, heldToken{line: l, start: tok.Start, end: tok.End})
				if len(held) > c.maxHold {
					held = held[len(held)-c.maxHold:]
				}
			default:
				held = held[:0]
			}
		}
		if !flush(false) {
			return res, nil
		}
		if err != nil {
			break
		}
	}
	flush(true)
	return res, nil
}

// markRun highlights the tokens of one match, one span per line.
func markRun(toks []heldToken) {
	for i := 0; i < len(toks); {
		j := i
		for j+1 < len(toks) && toks[j+1].line == toks[i].line {
			j++
		}
		toks[i].line.mark(toks[i].start, toks[j].end)
		i = j + 1
	}
}

// feed runs every matcher on term and returns the combined state with
// the longest matched span.
func (c *Context) feed(term string) (MatchState, int) {
	state, n := NotMatched, 0
	for _, m := range c.matchers {
		switch m.Match(term) {
		case Matched:
			state = Matched
			if s := m.Span(); s > n {
				n = s
			}
		case Wait:
			if state == NotMatched {
				state = Wait
			}
		}
	}
	if state == Matched {
		for _, m := range c.matchers {
			m.Reset()
		}
	}
	return state, n
}

// readCapped reads at most MaxFileRead bytes. When the cap is hit the
// data is cut back to the last complete line found within LookBack
// bytes, or else to the last whitespace, so no partial token is scanned.
func readCapped(r io.Reader) ([]byte, bool, error) {
	buf := make([]byte, MaxFileRead)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, false, fmt.Errorf("failed to read content: %w", err)
	}
	data := buf[:n]
	if n < MaxFileRead {
		return data, false, nil
	}
	if data[n-1] == '\n' {
		return data, true, nil
	}
	from := n - LookBack
	if i := bytes.LastIndexByte(data[from:], '\n'); i >= 0 {
		return data[:from+i+1], true, nil
	}
	if i := bytes.LastIndexFunc(data, unicode.IsSpace); i >= 0 {
		return data[:i], true, nil
	}
	return data[:0], true, nil
}

// =============================================================================
// Rendering
// =============================================================================

// render writes the line as HTML with spans in <b>. A limited render
// keeps ContextBytes around the first span.
func (l *line) render(limit bool) string {
	text := l.text
	from, to := 0, len(text)
	if limit && len(l.spans) > 0 {
		if s := l.spans[0].start - ContextBytes; s > 0 {
			from = s
			for from < len(text) && !utf8.RuneStart(text[from]) {
				from++
			}
		}
		if e := l.spans[0].end + ContextBytes; e < len(text) {
			to = e
			for to > from && !utf8.RuneStart(text[to]) {
				to--
			}
		}
	}

	var b strings.Builder
	if from > 0 {
		b.WriteString(hellip)
	}
	pos := from
	for _, s := range l.spans {
		start, end := max(s.start, from), min(s.end, to)
		if start >= end {
			continue
		}
		b.WriteString(html.EscapeString(text[pos:start]))
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(text[start:end]))
		b.WriteString("</b>")
		pos = end
	}
	b.WriteString(html.EscapeString(text[pos:to]))
	if to < len(text) {
		b.WriteString(hellip)
	}
	return b.String()
}

// tag returns the kind of a definition on this line whose symbol is one
// of the highlighted words.
func (l *line) tag(defs *code.Definitions) string {
	if defs.Len() == 0 {
		return ""
	}
	for _, s := range l.spans {
		for _, tok := range Tokenize([]byte(l.text[s.start:s.end])) {
			sym := l.text[s.start+tok.Start : s.start+tok.End]
			if !defs.HasDefinitionAt(sym, l.no) {
				continue
			}
			for _, t := range defs.TagsOnLine(l.no) {
				if t.Symbol == sym {
					return t.Kind
				}
			}
		}
	}
	return ""
}

// =============================================================================
// Definitions only
// =============================================================================

// matchingTags returns the tags whose symbol matches the query.
func (c *Context) matchingTags(opts Options) ([]code.Tag, bool) {
	var out []code.Tag
	for _, t := range opts.Defs.Tags() {
		matched := false
		for _, term := range Terms(t.Symbol) {
			if state, _ := c.feed(term); state == Matched {
				matched = true
			}
		}
		for _, m := range c.matchers {
			m.Reset()
		}
		if !matched {
			continue
		}
		if opts.Limit && len(out) == MaxLines {
			return out, true
		}
		out = append(out, t)
	}
	return out, false
}

func (c *Context) writeDefinitions(w io.Writer, opts Options) (bool, error) {
	tags, capped := c.matchingTags(opts)
	if len(tags) == 0 {
		return false, nil
	}

	bw := bufio.NewWriter(w)
	href := html.EscapeString(opts.URLPrefix + opts.Path)
	for _, t := range tags {
		fmt.Fprintf(bw, `<a class="s" href="%s#%d"><span class="l">%d</span> %s</a> <i> %s </i><br/>`,
			href, t.Line, t.Line, boldSymbol(t.Text, t.Symbol), html.EscapeString(t.Kind))
	}
	if capped {
		c.writeMoreLink(bw, opts)
	}
	if err := bw.Flush(); err != nil {
		return false, fmt.Errorf("failed to write excerpt: %w", err)
	}
	return true, nil
}

func (c *Context) definitionHits(opts Options) []Hit {
	tags, _ := c.matchingTags(opts)
	hits := make([]Hit, 0, len(tags))
	for _, t := range tags {
		hits = append(hits, Hit{
			Path:   opts.Path,
			LineNo: t.Line,
			Line:   boldSymbol(t.Text, t.Symbol),
			Tag:    t.Kind,
		})
	}
	return hits
}

// boldSymbol escapes text and wraps the first whole-word occurrence of
// symbol in <b>.
func boldSymbol(text, symbol string) string {
	for from := 0; symbol != ""; {
		i := strings.Index(text[from:], symbol)
		if i < 0 {
			break
		}
		start := from + i
		end := start + len(symbol)
		if !identByteAt(text, start-1) && !identByteAt(text, end) {
			return html.EscapeString(text[:start]) + "<b>" + html.EscapeString(symbol) + "</b>" +
				html.EscapeString(text[end:])
		}
		from = start + 1
	}
	return html.EscapeString(text)
}

func identByteAt(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return false
	}
	c := s[i]
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}
