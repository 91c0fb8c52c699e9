// Package config loads grok settings.
//
// Values are layered, later layers winning:
//
//	built-in defaults
//	JSON file        <source_root>/.grok/config.json or an explicit path
//	environment      GROK_<KEY>, "__" separating nested keys
//
// For example GROK_HISTORY__CACHE_THRESHOLD=0s sets history.cache_threshold.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jmylchreest/grok/pkg/proc"
)

// ErrInvalid is returned by Validate for unusable settings.
var ErrInvalid = errors.New("invalid configuration")

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GROK_"
	// DirName is the default data directory under the source root.
	DirName = ".grok"
	// FileName is the default config file inside DirName.
	FileName = "config.json"
	// DefaultProject names the partition used when no projects are set.
	DefaultProject = "default"
)

// Project is one independently indexed subtree.
type Project struct {
	Name string `koanf:"name"`
	// Path is relative to the source root, with a leading slash.
	Path string `koanf:"path"`
}

type CtagsConfig struct {
	Enabled bool     `koanf:"enabled"`
	Binary  string   `koanf:"binary"`
	Args    []string `koanf:"args"`
}

type HistoryConfig struct {
	Enabled        bool          `koanf:"enabled"`
	CacheThreshold time.Duration `koanf:"cache_threshold"`
	VersionedOnly  bool          `koanf:"versioned_only"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
	Mercurial      string        `koanf:"hg"`
	RCSLog         string        `koanf:"rlog"`
	RCSCheckout    string        `koanf:"co"`
	ClearCase      string        `koanf:"cleartool"`
	SCCS           string        `koanf:"sccs"`
}

type IndexConfig struct {
	Workers      int      `koanf:"workers"`
	Optimize     bool     `koanf:"optimize"`
	GenerateXref bool     `koanf:"generate_xref"`
	CompressXref bool     `koanf:"compress_xref"`
	WordLimit    int      `koanf:"word_limit"`
	Ignore       []string `koanf:"ignore"`
	IgnoreFile   string   `koanf:"ignore_file"`
}

type SearchConfig struct {
	QuickContextScan bool `koanf:"quick_context_scan"`
	Limit            int  `koanf:"limit"`
}

type WatchConfig struct {
	Debounce time.Duration `koanf:"debounce"`
}

// Config is the full grok configuration.
type Config struct {
	SourceRoot string        `koanf:"source_root"`
	DataRoot   string        `koanf:"data_root"`
	Projects   []Project     `koanf:"projects"`
	Ctags      CtagsConfig   `koanf:"ctags"`
	History    HistoryConfig `koanf:"history"`
	Index      IndexConfig   `koanf:"index"`
	Search     SearchConfig  `koanf:"search"`
	Watch      WatchConfig   `koanf:"watch"`
	Verbose    bool          `koanf:"verbose"`
}

// Defaults returns the built-in values.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"ctags.enabled":             true,
		"ctags.binary":              "ctags",
		"history.enabled":           true,
		"history.cache_threshold":   30 * time.Second,
		"history.versioned_only":    false,
		"history.command_timeout":   5 * time.Minute,
		"history.hg":                "hg",
		"history.rlog":              "rlog",
		"history.co":                "co",
		"history.cleartool":         "cleartool",
		"history.sccs":              "sccs",
		"index.workers":             runtime.NumCPU(),
		"index.optimize":            true,
		"index.generate_xref":       true,
		"index.compress_xref":       true,
		"index.word_limit":          60000,
		"index.ignore_file":         ".grokignore",
		"search.quick_context_scan": true,
		"search.limit":              25,
		"watch.debounce":            5 * time.Second,
		"verbose":                   false,
	}
}

// LoadOptions select the sources Load reads.
type LoadOptions struct {
	SourceRoot string
	// File is an explicit config file; it must exist when set.
	File string
	// Environ replaces os.Environ, for tests.
	Environ func() []string
}

// Load reads the layered configuration.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if opts.SourceRoot != "" {
		if err := k.Set("source_root", opts.SourceRoot); err != nil {
			return nil, fmt.Errorf("failed to set source root: %w", err)
		}
	}

	path := opts.File
	if path == "" && opts.SourceRoot != "" {
		path = filepath.Join(opts.SourceRoot, DirName, FileName)
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envOpt := env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
		EnvironFunc:   opts.Environ,
	}
	if err := k.Load(env.Provider(".", envOpt), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// envKey maps GROK_INDEX__WORD_LIMIT to index.word_limit.
func envKey(k, v string) (string, any) {
	k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	return strings.ReplaceAll(k, "__", "."), v
}

func (c *Config) normalize() {
	if c.SourceRoot != "" {
		if abs, err := filepath.Abs(c.SourceRoot); err == nil {
			c.SourceRoot = abs
		}
	}
	if c.DataRoot == "" && c.SourceRoot != "" {
		c.DataRoot = filepath.Join(c.SourceRoot, DirName)
	}
	if c.Index.Workers <= 0 {
		c.Index.Workers = 1
	}
	for i := range c.Projects {
		p := filepath.ToSlash(c.Projects[i].Path)
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		c.Projects[i].Path = strings.TrimSuffix(p, "/")
		if c.Projects[i].Path == "" {
			c.Projects[i].Path = "/"
		}
	}
}

// Validate checks that the configured paths and binaries are usable.
func (c *Config) Validate() error {
	if c.SourceRoot == "" {
		return fmt.Errorf("%w: source_root is not set", ErrInvalid)
	}
	info, err := os.Stat(c.SourceRoot)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: source root %s is not a directory", ErrInvalid, c.SourceRoot)
	}
	if c.Ctags.Enabled && !proc.Available(c.Ctags.Binary) {
		return fmt.Errorf("%w: ctags binary %q not found", ErrInvalid, c.Ctags.Binary)
	}
	seen := make(map[string]bool)
	for _, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("%w: project at %s has no name", ErrInvalid, p.Path)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate project %s", ErrInvalid, p.Name)
		}
		seen[p.Name] = true
		dir := filepath.Join(c.SourceRoot, filepath.FromSlash(p.Path))
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("%w: project %s: %s is not a directory", ErrInvalid, p.Name, dir)
		}
	}
	if c.Search.Limit < 0 {
		return fmt.Errorf("%w: search.limit must not be negative", ErrInvalid)
	}
	return nil
}

// Partitions returns the configured projects, or a single partition
// covering the whole source root.
func (c *Config) Partitions() []Project {
	if len(c.Projects) > 0 {
		return c.Projects
	}
	return []Project{{Name: DefaultProject, Path: "/"}}
}

// IndexDir is where a partition's index lives.
func (c *Config) IndexDir(project string) string {
	return filepath.Join(c.DataRoot, "index", project)
}

// XrefDir holds the cross-reference pages.
func (c *Config) XrefDir() string {
	return filepath.Join(c.DataRoot, "xref")
}

// HistoryCacheDir holds the history cache.
func (c *Config) HistoryCacheDir() string {
	return filepath.Join(c.DataRoot, "historycache")
}

// TimestampFile is touched after every successful update.
func (c *Config) TimestampFile() string {
	return filepath.Join(c.DataRoot, "timestamp")
}
