package main

import (
	"context"
	"fmt"
	"html"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/jmylchreest/grok/pkg/config"
	"github.com/jmylchreest/grok/pkg/history"
	"github.com/jmylchreest/grok/pkg/ignore"
	"github.com/jmylchreest/grok/pkg/store"
)

var cliLog = log.New(os.Stderr, "[grok] ", log.Ltime)

// fatal prints an error message and exits with code 1.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// truncate shortens a string to n characters with ellipsis.
func truncate(s string, n int) string {
	if n < 4 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// parseFlag extracts a flag value from args (e.g., "--key=value").
func parseFlag(args []string, prefix string) string {
	for _, arg := range args {
		if strings.HasPrefix(arg, prefix) {
			return strings.TrimPrefix(arg, prefix)
		}
	}
	return ""
}

// parseIntFlag is parseFlag for non-negative integers.
func parseIntFlag(args []string, prefix string, def int) (int, error) {
	v := parseFlag(args, prefix)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s%s", prefix, v)
	}
	return n, nil
}

// hasFlag checks if a flag is present in args.
func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}

// positional returns the arguments that are not flags.
func positional(args []string) []string {
	var out []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			out = append(out, arg)
		}
	}
	return out
}

// loadConfig resolves the source root and reads the layered config.
// Commands that never run ctags pass needCtags=false so a missing
// binary does not stop them.
func loadConfig(args []string, needCtags bool) (*config.Config, error) {
	root := parseFlag(args, "--root=")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		root = findSourceRoot(wd)
	}

	cfg, err := config.Load(config.LoadOptions{
		SourceRoot: root,
		File:       parseFlag(args, "--config="),
	})
	if err != nil {
		return nil, err
	}
	if hasFlag(args, "--verbose") {
		cfg.Verbose = true
	}
	if !needCtags {
		cfg.Ctags.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newIgnore(cfg *config.Config) (*ignore.Matcher, error) {
	ig, err := ignore.New(cfg.SourceRoot, cfg.Index.IgnoreFile, cfg.Index.Ignore)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore patterns: %w", err)
	}
	return ig, nil
}

// newRegistry discovers the repositories under the source root. It
// returns nil when history is disabled.
func newRegistry(ctx context.Context, cfg *config.Config, ig *ignore.Matcher) (*history.Registry, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	cmds := history.Commands{
		Mercurial:   cfg.History.Mercurial,
		RCSLog:      cfg.History.RCSLog,
		RCSCheckout: cfg.History.RCSCheckout,
		ClearCase:   cfg.History.ClearCase,
		SCCS:        cfg.History.SCCS,
		Timeout:     cfg.History.CommandTimeout,
	}
	reg := history.NewRegistry(cfg.SourceRoot, ig, history.Options{
		CacheRoot:      cfg.HistoryCacheDir(),
		CacheThreshold: cfg.History.CacheThreshold,
		Backends:       history.DefaultBackends(cmds),
	})

	ctx, cancel := context.WithTimeout(ctx, DefaultDiscoverTimeout)
	defer cancel()
	n, err := reg.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover repositories: %w", err)
	}
	if cfg.Verbose {
		cliLog.Printf("discovered %d repositories", n)
	}
	return reg, nil
}

// requireRegistry is newRegistry for commands that cannot work without
// history.
func requireRegistry(ctx context.Context, cfg *config.Config) (*history.Registry, error) {
	if !cfg.History.Enabled {
		return nil, fmt.Errorf("history is disabled (history.enabled=false)")
	}
	ig, err := newIgnore(cfg)
	if err != nil {
		return nil, err
	}
	return newRegistry(ctx, cfg, ig)
}

// resolvePath maps a command-line file argument to its absolute path
// and its source-root relative form. Arguments that do not exist
// relative to the working directory are taken relative to the root.
func resolvePath(cfg *config.Config, arg string) (string, string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", "", err
	}
	if _, statErr := os.Stat(abs); statErr != nil {
		abs = filepath.Join(cfg.SourceRoot, filepath.FromSlash(strings.TrimPrefix(arg, "/")))
	}
	rel, err := filepath.Rel(cfg.SourceRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%s is outside the source root %s", arg, cfg.SourceRoot)
	}
	if rel == "." {
		return abs, "/", nil
	}
	return abs, "/" + filepath.ToSlash(rel), nil
}

// partition is an opened per-project index.
type partition struct {
	config.Project
	store *store.Index
}

// openPartitions opens the index of every partition, or only of
// project when it is set.
func openPartitions(cfg *config.Config, project string) ([]partition, error) {
	var parts []partition
	for _, p := range cfg.Partitions() {
		if project != "" && p.Name != project {
			continue
		}
		s, err := store.Open(cfg.IndexDir(p.Name))
		if err != nil {
			closePartitions(parts)
			return nil, fmt.Errorf("failed to open index %s: %w", p.Name, err)
		}
		parts = append(parts, partition{Project: p, store: s})
	}
	if len(parts) == 0 && project != "" {
		return nil, fmt.Errorf("unknown project: %s", project)
	}
	return parts, nil
}

func closePartitions(parts []partition) {
	for _, p := range parts {
		if err := p.store.Close(); err != nil {
			cliLog.Printf("failed to close index %s: %v", p.Name, err)
		}
	}
}

var (
	plainHighlight = strings.NewReplacer("<b>", "", "</b>", "")
	ttyHighlight   = strings.NewReplacer("<b>", "\x1b[1m", "</b>", "\x1b[0m")
)

// terminalLine converts an HTML context line to terminal text, using
// bold for highlighted spans when stdout is a terminal.
func terminalLine(s string, tty bool) string {
	if tty {
		s = ttyHighlight.Replace(s)
	} else {
		s = plainHighlight.Replace(s)
	}
	return html.UnescapeString(s)
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
