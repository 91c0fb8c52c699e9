package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmylchreest/grok/pkg/analysis"
	"github.com/jmylchreest/grok/pkg/config"
	"github.com/jmylchreest/grok/pkg/excerpt"
	"github.com/jmylchreest/grok/pkg/store"
)

// searchHit is a result tagged with the partition that produced it.
type searchHit struct {
	store.SearchResult
	part *partition
}

func cmdSearch(args []string) error {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return err
	}

	q := store.Query{
		Full: strings.Join(positional(args), " "),
		Defs: parseFlag(args, "--defs="),
		Refs: parseFlag(args, "--refs="),
		Path: parseFlag(args, "--path="),
		Hist: parseFlag(args, "--hist="),
	}
	if q.Full == "" && q.Defs == "" && q.Refs == "" && q.Path == "" && q.Hist == "" {
		return fmt.Errorf("usage: grok search <query> [--defs=] [--refs=] [--path=] [--hist=]")
	}
	limit, err := parseIntFlag(args, "--limit=", cfg.Search.Limit)
	if err != nil {
		return err
	}
	q.Limit = limit

	parts, err := openPartitions(cfg, parseFlag(args, "--project="))
	if err != nil {
		return err
	}
	defer closePartitions(parts)

	hits, total, err := searchPartitions(parts, q)
	if err != nil {
		return err
	}
	fmt.Printf("%d result(s), showing %d\n\n", total, len(hits))

	ctx := excerpt.New(q.Fields())
	ctx.QuickScan = cfg.Search.QuickContextScan
	pr := &hitPrinter{
		w:      os.Stdout,
		cfg:    cfg,
		ctx:    ctx,
		defsOK: q.Full == "" && q.Refs == "",
		html:   hasFlag(args, "--html"),
		limit:  !hasFlag(args, "--full"),
	}
	pr.tty = !pr.html && stdoutIsTerminal()
	for _, h := range hits {
		if err := pr.print(h); err != nil {
			return err
		}
	}
	return nil
}

// searchPartitions runs q on every partition and merges the hits by
// score, keeping at most q.Limit.
func searchPartitions(parts []partition, q store.Query) ([]searchHit, uint64, error) {
	var hits []searchHit
	var total uint64
	for i := range parts {
		res, err := parts[i].store.Search(q)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", parts[i].Name, err)
		}
		total += res.Total
		for _, r := range res.Hits {
			hits = append(hits, searchHit{SearchResult: r, part: &parts[i]})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].Path < hits[b].Path
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, total, nil
}

type hitPrinter struct {
	w   io.Writer
	cfg *config.Config
	ctx *excerpt.Context
	// defsOK allows answering from stored definitions without reading
	// the file.
	defsOK bool
	html   bool
	limit  bool
	tty    bool
}

func (p *hitPrinter) print(h searchHit) error {
	fmt.Fprintf(p.w, "%s  [%s", h.Path, h.Project)
	if h.Lang != "" {
		fmt.Fprintf(p.w, " %s", h.Lang)
	}
	fmt.Fprintln(p.w, "]")
	if p.ctx.IsEmpty() || h.Genre == string(analysis.GenreData) {
		return nil
	}

	defs, err := h.part.store.Definitions(h.Path)
	if err != nil {
		cliLog.Printf("failed to read definitions of %s: %v", h.Path, err)
		defs = nil
	}
	opts := excerpt.Options{
		URLPrefix:  XrefURLPrefix,
		MorePrefix: MoreURLPrefix,
		Path:       h.Path,
		Defs:       defs,
		Limit:      p.limit,
	}

	var r io.Reader
	if !p.defsOK || defs.Len() == 0 {
		f, err := os.Open(filepath.Join(p.cfg.SourceRoot, filepath.FromSlash(strings.TrimPrefix(h.Path, "/"))))
		if err != nil {
			fmt.Fprintf(p.w, "    (source not available: %v)\n\n", err)
			return nil
		}
		defer f.Close()
		r = f
	}

	if p.html {
		if _, err := p.ctx.Write(r, p.w, opts); err != nil {
			return err
		}
		fmt.Fprintln(p.w)
		return nil
	}

	lines, err := p.ctx.Hits(r, opts)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintf(p.w, "  %5d: %s", l.LineNo, terminalLine(l.Line, p.tty))
		if l.Tag != "" {
			fmt.Fprintf(p.w, "  <%s>", l.Tag)
		}
		fmt.Fprintln(p.w)
	}
	fmt.Fprintln(p.w)
	return nil
}

func cmdSuggest(args []string) error {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return err
	}
	pos := positional(args)
	if len(pos) != 1 {
		return fmt.Errorf("usage: grok suggest <prefix> [--limit=N]")
	}
	limit, err := parseIntFlag(args, "--limit=", DefaultSuggestLimit)
	if err != nil {
		return err
	}

	parts, err := openPartitions(cfg, parseFlag(args, "--project="))
	if err != nil {
		return err
	}
	defer closePartitions(parts)

	merged, err := suggestPartitions(parts, pos[0], limit)
	if err != nil {
		return err
	}
	for _, s := range merged {
		fmt.Printf("%s\t%d\n", s.Term, s.Freq)
	}
	return nil
}

// suggestPartitions merges the suggestions of every partition, summing
// the frequency of terms found in more than one.
func suggestPartitions(parts []partition, prefix string, limit int) ([]store.Suggestion, error) {
	freqs := make(map[string]uint64)
	for _, p := range parts {
		list, err := p.store.Suggest(prefix, limit)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}
		for _, s := range list {
			freqs[s.Term] += s.Freq
		}
	}
	return rankSuggestions(freqs, limit), nil
}

func rankSuggestions(freqs map[string]uint64, limit int) []store.Suggestion {
	out := make([]store.Suggestion, 0, len(freqs))
	for term, freq := range freqs {
		out = append(out, store.Suggestion{Term: term, Freq: freq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Freq != out[j].Freq {
			return out[i].Freq > out[j].Freq
		}
		return out[i].Term < out[j].Term
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
