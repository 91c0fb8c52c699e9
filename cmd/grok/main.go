// Package main provides the CLI for grok.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jmylchreest/grok/internal/version"
	"github.com/jmylchreest/grok/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("GROK_PPROF_ENABLE") == "1" {
		initPprof()
		defer stopPprof()
	}

	if err := runCommand(ctx, cmd, args); err != nil {
		stop()
		fatal("%v", err)
	}
}

func runCommand(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "index":
		return cmdIndex(ctx, args)
	case "optimize":
		return cmdOptimize(args)
	case "search":
		return cmdSearch(args)
	case "suggest":
		return cmdSuggest(args)
	case "list":
		return cmdList(args)
	case "tokens":
		return cmdTokens(args)
	case "stats":
		return cmdStats(args)
	case "history":
		return cmdHistory(ctx, args)
	case "annotate", "blame":
		return cmdAnnotate(ctx, args)
	case "cat":
		return cmdCat(ctx, args)
	case "repos":
		return cmdRepos(ctx, args)
	case "ctags":
		return cmdCtags(args)
	case "watch":
		return cmdWatch(ctx, args)
	case "help", "-h", "--help":
		printUsage()
		return nil
	case "version", "-v", "--version":
		return cmdVersion(args)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func cmdVersion(args []string) error {
	if hasFlag(args, "--json") {
		fmt.Println(version.JSON())
		return nil
	}
	fmt.Println(version.String())
	return nil
}

func printUsage() {
	fmt.Printf(`grok %s - incremental source indexer and search

Usage:
  grok <command> [arguments]

Commands:
  index      Bring the index up to date with the source tree
  optimize   Compact the index of every partition
  search     Search the index and print matching lines
  suggest    Complete a term from the indexed vocabulary
  list       List indexed files
  tokens     List indexed terms with their frequencies
  stats      Show per-partition index statistics
  history    Show the version history of a file
  annotate   Show per-line revision information for a file
  cat        Print a file at a given revision
  repos      List discovered repositories (--update pulls them)
  ctags      Dump the definitions ctags finds in a file
  watch      Re-index partitions as files change
  version    Show version information

Global options:
  --root=DIR     Source root (default: nearest dir with .grok or .git)
  --config=FILE  Config file (default: <root>/.grok/config.json)

Options:
  index:
    --project=NAME   Only update this partition
    --no-optimize    Skip the optimize pass
    --verbose        Log every added and removed file
    --history        Fill the history cache before indexing

  repos:
    --update         Pull every repository with working tooling
    --cache          Fill the history cache

  history <file>:
    --files          List the files touched by each change

  search <query>:
    --defs=QUERY     Symbol definitions
    --refs=QUERY     Symbol references
    --path=QUERY     Path components
    --hist=QUERY     History messages
    --project=NAME   Only search this partition
    --limit=N        Max results (default from config)
    --full           Scan whole files and print every matching line
    --html           Print the HTML context fragment

  tokens:
    --field=NAME     full, defs or refs (default full)
    --min=N          Minimum document frequency

Environment:
  GROK_<SECTION>__<KEY>  Override any config key, e.g. GROK_INDEX__WORKERS=4
  GROK_PPROF_ENABLE=1    Serve pprof (binaries built with -tags pprof)
  GROK_PPROF_ADDR        pprof address (default: localhost:6060)

Examples:
  grok index
  grok index --project=kernel --verbose
  grok search "mutex_lock" --path=drivers
  grok search --defs=main --full
  grok annotate src/main.c --rev=1.4
  grok cat src/main.c --rev=HEAD~2
`, version.Short())
}

// findSourceRoot walks up from dir to the nearest directory holding a
// grok data directory or a git checkout, falling back to dir.
func findSourceRoot(dir string) string {
	for cur := dir; ; {
		for _, marker := range []string{config.DirName, ".git"} {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}
