package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/jmylchreest/grok/pkg/config"
	"github.com/jmylchreest/grok/pkg/history"
	"github.com/jmylchreest/grok/pkg/index"
	"github.com/jmylchreest/grok/pkg/store"
)

// counter tallies listener events for the summary table.
type counter struct {
	added   atomic.Int64
	removed atomic.Int64
}

func (c *counter) FileAdded(string, string) { c.added.Add(1) }
func (c *counter) FileRemoved(string)       { c.removed.Add(1) }

// openDatabases builds the per-partition databases, narrowed to
// --project= when given.
func openDatabases(ctx context.Context, cfg *config.Config, args []string) ([]*index.Database, *history.Registry, error) {
	ig, err := newIgnore(cfg)
	if err != nil {
		return nil, nil, err
	}
	reg, err := newRegistry(ctx, cfg, ig)
	if err != nil {
		return nil, nil, err
	}

	dbs := index.FromConfig(cfg, ig, reg)
	if name := parseFlag(args, "--project="); name != "" {
		db := index.Find(dbs, name)
		if db == nil {
			return nil, nil, fmt.Errorf("unknown project: %s", name)
		}
		dbs = []*index.Database{db}
	}
	return dbs, reg, nil
}

func cmdIndex(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args, true)
	if err != nil {
		return err
	}
	if hasFlag(args, "--no-optimize") {
		cfg.Index.Optimize = false
	}

	dbs, reg, err := openDatabases(ctx, cfg, args)
	if err != nil {
		return err
	}
	if reg != nil && hasFlag(args, "--history") {
		reg.CreateCache(ctx)
	}

	counters := make([]*counter, len(dbs))
	for i, db := range dbs {
		counters[i] = &counter{}
		db.AddListener(counters[i])
	}

	start := time.Now()
	updateErr := index.UpdateAll(ctx, dbs, cfg.Index.Workers)

	if err := printIndexSummary(os.Stdout, dbs, counters); err != nil {
		return err
	}
	fmt.Printf("Indexed %d partition(s) in %s\n", len(dbs), time.Since(start).Round(time.Millisecond))

	if errors.Is(updateErr, context.Canceled) {
		return fmt.Errorf("indexing interrupted; run grok index again to finish")
	}
	return updateErr
}

func printIndexSummary(w io.Writer, dbs []*index.Database, counters []*counter) error {
	table := tablewriter.NewWriter(w)
	table.Header("Project", "Path", "Added", "Removed", "Optimize pending", "Run")
	for i, db := range dbs {
		run := db.LastRun()
		if run == "" {
			run = "-"
		}
		row := []string{
			db.Project(),
			db.Path(),
			strconv.FormatInt(counters[i].added.Load(), 10),
			strconv.FormatInt(counters[i].removed.Load(), 10),
			strconv.FormatBool(db.IsDirty()),
			run,
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func cmdOptimize(args []string) error {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return err
	}
	dbs, _, err := openDatabases(context.Background(), withoutHistory(cfg), args)
	if err != nil {
		return err
	}

	var errs []error
	for _, db := range dbs {
		start := time.Now()
		if err := db.Optimize(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", db.Project(), err))
			continue
		}
		fmt.Printf("Optimized %s in %s\n", db.Project(), time.Since(start).Round(time.Millisecond))
	}
	return errors.Join(errs...)
}

func cmdList(args []string) error {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return err
	}
	dbs, _, err := openDatabases(context.Background(), withoutHistory(cfg), args)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if err := db.ListFiles(os.Stdout); err != nil {
			return fmt.Errorf("%s: %w", db.Project(), err)
		}
	}
	return nil
}

func cmdTokens(args []string) error {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return err
	}
	field := parseFlag(args, "--field=")
	if field == "" {
		field = DefaultTokenField
	}
	switch field {
	case store.FieldFull, store.FieldDefs, store.FieldRefs:
	default:
		return fmt.Errorf("unknown field: %s", field)
	}
	minFreq, err := parseIntFlag(args, "--min=", 0)
	if err != nil {
		return err
	}

	dbs, _, err := openDatabases(context.Background(), withoutHistory(cfg), args)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if err := db.ListTokens(os.Stdout, field, uint64(minFreq)); err != nil {
			return fmt.Errorf("%s: %w", db.Project(), err)
		}
	}
	return nil
}

func cmdStats(args []string) error {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return err
	}
	parts, err := openPartitions(cfg, parseFlag(args, "--project="))
	if err != nil {
		return err
	}
	defer closePartitions(parts)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Project", "Path", "Files", "With definitions", "Search docs", "Suggestions")
	for _, p := range parts {
		st, err := p.store.Stats()
		if err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
		row := []string{
			p.Name,
			p.Path,
			strconv.Itoa(st.Documents),
			strconv.Itoa(st.Definitions),
			strconv.FormatUint(st.SearchDocs, 10),
			strconv.FormatUint(st.Suggestions, 10),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// withoutHistory returns a copy of cfg that skips repository discovery,
// for commands that only read the index.
func withoutHistory(cfg *config.Config) *config.Config {
	c := *cfg
	c.History.Enabled = false
	return &c
}
