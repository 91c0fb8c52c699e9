package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/jmylchreest/grok/pkg/ctags"
)

func cmdCtags(args []string) error {
	cfg, err := loadConfig(args, true)
	if err != nil {
		return err
	}
	if !cfg.Ctags.Enabled {
		return fmt.Errorf("ctags is disabled (ctags.enabled=false)")
	}
	pos := positional(args)
	if len(pos) == 0 {
		return fmt.Errorf("usage: grok ctags <file>...")
	}

	bridge := ctags.New(ctags.Config{Binary: cfg.Ctags.Binary, Args: cfg.Ctags.Args})
	defer bridge.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("File", "Line", "Symbol", "Kind", "Container")
	for _, arg := range pos {
		abs, rel, err := resolvePath(cfg, arg)
		if err != nil {
			return err
		}
		defs, err := bridge.Extract(abs)
		if err != nil {
			return fmt.Errorf("failed to run ctags on %s: %w", rel, err)
		}
		for _, tag := range defs.Tags() {
			row := []string{rel, strconv.Itoa(tag.Line), tag.Symbol, tag.Kind, tag.Container}
			if err := table.Append(row); err != nil {
				return err
			}
		}
	}
	return table.Render()
}
