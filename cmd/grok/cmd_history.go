package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/jmylchreest/grok/pkg/history"
)

// fileArg loads the config and resolves the single file argument of a
// history command.
func fileArg(ctx context.Context, args []string, usage string) (*history.Registry, string, error) {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return nil, "", err
	}
	pos := positional(args)
	if len(pos) != 1 {
		return nil, "", fmt.Errorf("usage: %s", usage)
	}
	abs, _, err := resolvePath(cfg, pos[0])
	if err != nil {
		return nil, "", err
	}
	reg, err := requireRegistry(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	return reg, abs, nil
}

func cmdHistory(ctx context.Context, args []string) error {
	reg, abs, err := fileArg(ctx, args, "grok history <file>")
	if err != nil {
		return err
	}
	h, err := reg.History(ctx, abs)
	if err != nil {
		return err
	}
	return printHistory(os.Stdout, h, hasFlag(args, "--files"))
}

func printHistory(w io.Writer, h *history.History, files bool) error {
	table := tablewriter.NewWriter(w)
	header := []any{"Revision", "Date", "Author", "Message"}
	if files {
		header = append(header, "Files")
	}
	table.Header(header...)
	for _, e := range h.Entries {
		rev := e.Revision
		if !e.Active {
			rev += " (inactive)"
		}
		msg, _, _ := strings.Cut(strings.TrimSpace(e.Message), "\n")
		row := []string{
			rev,
			e.Date.Format("2006-01-02 15:04"),
			e.Author,
			truncate(msg, DefaultMessageWidth),
		}
		if files {
			row = append(row, strings.Join(e.Files, "\n"))
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func cmdAnnotate(ctx context.Context, args []string) error {
	reg, abs, err := fileArg(ctx, args, "grok annotate <file> [--rev=R]")
	if err != nil {
		return err
	}
	a, err := reg.Annotate(ctx, abs, parseFlag(args, "--rev="))
	if err != nil {
		return err
	}
	printAnnotation(os.Stdout, a)
	return nil
}

func printAnnotation(w io.Writer, a *history.Annotation) {
	revWidth, authorWidth := 0, 0
	for _, l := range a.Lines {
		revWidth = max(revWidth, len(l.Revision))
		authorWidth = max(authorWidth, len(l.Author))
	}
	numWidth := len(strconv.Itoa(len(a.Lines)))
	for i, l := range a.Lines {
		fmt.Fprintf(w, "%*d %-*s %-*s | %s\n", numWidth, i+1, revWidth, l.Revision, authorWidth, l.Author, l.Text)
	}
}

func cmdCat(ctx context.Context, args []string) error {
	rev := parseFlag(args, "--rev=")
	if rev == "" {
		return fmt.Errorf("usage: grok cat <file> --rev=R")
	}
	reg, abs, err := fileArg(ctx, args, "grok cat <file> --rev=R")
	if err != nil {
		return err
	}
	data, err := reg.Revision(ctx, abs, rev)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdRepos(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return err
	}
	reg, err := requireRegistry(ctx, cfg)
	if err != nil {
		return err
	}

	if hasFlag(args, "--update") {
		n := reg.UpdateRepositories(ctx)
		fmt.Printf("Updated %d of %d repositories\n", n, len(reg.Repositories()))
	}
	if hasFlag(args, "--cache") {
		reg.CreateCache(ctx)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Type", "Directory", "Tooling", "Cacheable")
	for _, repo := range reg.Repositories() {
		dir := repo.Directory()
		if rel, err := filepath.Rel(cfg.SourceRoot, dir); err == nil {
			dir = strings.TrimSuffix("/"+filepath.ToSlash(rel), "/.")
			if dir == "" {
				dir = "/"
			}
		}
		row := []string{
			repo.Type(),
			dir,
			availability(repo.IsWorking()),
			strconv.FormatBool(repo.IsCacheable()),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func availability(ok bool) string {
	if ok {
		return "ok"
	}
	return "missing"
}
