package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmylchreest/grok/pkg/index"
	"github.com/jmylchreest/grok/pkg/watcher"
)

func cmdWatch(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args, true)
	if err != nil {
		return err
	}
	dbs, _, err := openDatabases(ctx, cfg, args)
	if err != nil {
		return err
	}
	ig, err := newIgnore(cfg)
	if err != nil {
		return err
	}

	if err := index.UpdateAll(ctx, dbs, cfg.Index.Workers); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		cliLog.Printf("initial index: %v", err)
	}

	// Updates triggered by consecutive batches must not overlap, or the
	// later one fails with ErrAlreadyRunning and its changes are lost.
	var mu sync.Mutex
	w, err := watcher.New(watcher.Config{
		Root:          cfg.SourceRoot,
		DebounceDelay: cfg.Watch.Debounce,
		Ignore:        ig,
	}, watcher.HandlerFunc(func(paths []string) {
		affected := index.Affected(dbs, paths)
		if len(affected) == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		cliLog.Printf("%d change(s), updating %d partition(s)", len(paths), len(affected))
		if err := index.UpdateAll(ctx, affected, cfg.Index.Workers); err != nil && ctx.Err() == nil {
			cliLog.Printf("update failed: %v", err)
		}
	}))
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	cliLog.Printf("watching %s (%d directories)", cfg.SourceRoot, w.DirsWatched())

	<-ctx.Done()
	for _, db := range dbs {
		db.Interrupt()
	}
	return w.Stop()
}
