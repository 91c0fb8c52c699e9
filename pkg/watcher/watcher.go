// Package watcher batches file system changes under the source root and
// hands them to a handler after a quiet period.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmylchreest/grok/pkg/ignore"
)

var watchLog = log.New(os.Stderr, "[grok:watcher] ", log.Ltime)

const DefaultDebounceDelay = 5 * time.Second

type Config struct {
	Root          string
	DebounceDelay time.Duration
	// Ignore hides directories and files from the watcher. nil uses the
	// default ignore rules.
	Ignore *ignore.Matcher
}

// Handler receives the changed paths of one quiet period, sorted.
type Handler interface {
	OnChanges(paths []string)
}

type HandlerFunc func(paths []string)

func (f HandlerFunc) OnChanges(paths []string) {
	f(paths)
}

type Watcher struct {
	fsnotify *fsnotify.Watcher
	config   Config
	handler  Handler
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu          sync.Mutex
	pending     map[string]fsnotify.Op
	timer       *time.Timer
	dirsWatched int
}

func New(config Config, handler Handler) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if config.DebounceDelay <= 0 {
		config.DebounceDelay = DefaultDebounceDelay
	}
	if config.Ignore == nil {
		config.Ignore = ignore.NewFromDefaults()
	}
	return &Watcher{
		fsnotify: fsWatcher,
		config:   config,
		handler:  handler,
		stop:     make(chan struct{}),
		pending:  make(map[string]fsnotify.Op),
	}, nil
}

// Start watches every non-ignored directory under the root.
func (w *Watcher) Start() error {
	if err := w.addTree(w.config.Root); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.processEvents()

	watchLog.Printf("watching %d directories in %s (debounce: %v)", w.DirsWatched(), w.config.Root, w.config.DebounceDelay)
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != w.config.Root && w.config.Ignore.IgnoreEntry(path, true) {
			return filepath.SkipDir
		}
		if err := w.fsnotify.Add(path); err == nil {
			w.mu.Lock()
			w.dirsWatched++
			w.mu.Unlock()
		}
		return nil
	})
}

// Stop ends watching. Pending changes are dropped.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.fsnotify.Close()
}

func (w *Watcher) DirsWatched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirsWatched
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			watchLog.Printf("error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.config.Ignore.IgnoreEntry(event.Name, true) {
				return
			}
			if err := w.addTree(event.Name); err != nil {
				watchLog.Printf("failed to watch %s: %v", event.Name, err)
			}
			w.queueChange(event.Name, event.Op)
			return
		}
	}
	if w.config.Ignore.Ignore(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
		w.queueChange(event.Name, event.Op)
	}
}

func (w *Watcher) queueChange(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] |= op
	if w.timer == nil {
		w.timer = time.AfterFunc(w.config.DebounceDelay, w.flushPending)
	}
}

func (w *Watcher) flushPending() {
	select {
	case <-w.stop:
		return
	default:
	}

	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.timer = nil
	w.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	watchLog.Printf("processing %d file changes", len(paths))
	w.handler.OnChanges(paths)
}
