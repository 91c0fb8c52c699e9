package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func noEnv() []string { return nil }

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(LoadOptions{SourceRoot: root, Environ: noEnv})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.SourceRoot != root {
		t.Errorf("SourceRoot = %q, want %q", cfg.SourceRoot, root)
	}
	if cfg.DataRoot != filepath.Join(root, DirName) {
		t.Errorf("DataRoot = %q", cfg.DataRoot)
	}
	if !cfg.Ctags.Enabled || cfg.Ctags.Binary != "ctags" {
		t.Errorf("Ctags = %+v", cfg.Ctags)
	}
	if cfg.History.CacheThreshold != 30*time.Second {
		t.Errorf("CacheThreshold = %v, want 30s", cfg.History.CacheThreshold)
	}
	if cfg.History.CommandTimeout != 5*time.Minute {
		t.Errorf("CommandTimeout = %v, want 5m", cfg.History.CommandTimeout)
	}
	if !cfg.Index.Optimize || !cfg.Index.GenerateXref || !cfg.Index.CompressXref {
		t.Errorf("Index = %+v", cfg.Index)
	}
	if cfg.Index.WordLimit != 60000 || cfg.Index.IgnoreFile != ".grokignore" {
		t.Errorf("Index = %+v", cfg.Index)
	}
	if !cfg.Search.QuickContextScan || cfg.Search.Limit != 25 {
		t.Errorf("Search = %+v", cfg.Search)
	}
	if cfg.Watch.Debounce != 5*time.Second {
		t.Errorf("Debounce = %v", cfg.Watch.Debounce)
	}

	parts := cfg.Partitions()
	if len(parts) != 1 || parts[0].Name != DefaultProject || parts[0].Path != "/" {
		t.Errorf("Partitions() = %+v", parts)
	}
}

func TestLoadLayers(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, DirName), 0o755); err != nil {
		t.Fatal(err)
	}
	data := `{
		"history": {"cache_threshold": "10s", "versioned_only": true},
		"index": {"word_limit": 100, "ignore": ["*.o", "build"]},
		"projects": [{"name": "a", "path": "proj/a/"}, {"name": "b", "path": "/b"}]
	}`
	if err := os.WriteFile(filepath.Join(root, DirName, FileName), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	environ := func() []string {
		return []string{
			"GROK_HISTORY__CACHE_THRESHOLD=0s",
			"GROK_VERBOSE=true",
			"GROK_SEARCH__LIMIT=7",
			"OTHER_VAR=1",
		}
	}

	cfg, err := Load(LoadOptions{SourceRoot: root, Environ: environ})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.History.CacheThreshold != 0 {
		t.Errorf("env should override file: CacheThreshold = %v", cfg.History.CacheThreshold)
	}
	if !cfg.History.VersionedOnly {
		t.Error("file value VersionedOnly lost")
	}
	if cfg.Index.WordLimit != 100 {
		t.Errorf("WordLimit = %d, want 100", cfg.Index.WordLimit)
	}
	if len(cfg.Index.Ignore) != 2 || cfg.Index.Ignore[1] != "build" {
		t.Errorf("Ignore = %v", cfg.Index.Ignore)
	}
	if !cfg.Verbose || cfg.Search.Limit != 7 {
		t.Errorf("Verbose = %v, Limit = %d", cfg.Verbose, cfg.Search.Limit)
	}
	if !cfg.Index.Optimize {
		t.Error("default Optimize lost")
	}

	parts := cfg.Partitions()
	if len(parts) != 2 || parts[0].Path != "/proj/a" || parts[1].Path != "/b" {
		t.Errorf("Partitions() = %+v", parts)
	}
	if got := cfg.IndexDir("a"); got != filepath.Join(root, DirName, "index", "a") {
		t.Errorf("IndexDir = %q", got)
	}
}

func TestLoadExplicitFileMissing(t *testing.T) {
	_, err := Load(LoadOptions{SourceRoot: t.TempDir(), File: "/nonexistent/config.json", Environ: noEnv})
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "proj"), 0o755); err != nil {
		t.Fatal(err)
	}

	load := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load(LoadOptions{SourceRoot: root, Environ: noEnv})
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		cfg.Ctags.Enabled = false
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing source root", func(c *Config) { c.SourceRoot = filepath.Join(root, "missing") }, true},
		{"empty source root", func(c *Config) { c.SourceRoot = "" }, true},
		{"unknown ctags", func(c *Config) {
			c.Ctags.Enabled = true
			c.Ctags.Binary = "grok-no-such-ctags-binary"
		}, true},
		{"disabled ctags not checked", func(c *Config) { c.Ctags.Binary = "grok-no-such-ctags-binary" }, false},
		{"project ok", func(c *Config) { c.Projects = []Project{{Name: "p", Path: "/proj"}} }, false},
		{"project missing dir", func(c *Config) { c.Projects = []Project{{Name: "p", Path: "/nope"}} }, true},
		{"project without name", func(c *Config) { c.Projects = []Project{{Path: "/proj"}} }, true},
		{"duplicate project", func(c *Config) {
			c.Projects = []Project{{Name: "p", Path: "/proj"}, {Name: "p", Path: "/proj"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := load(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Validate() = %v, want ErrInvalid", err)
				}
			} else if err != nil {
				t.Errorf("Validate() failed: %v", err)
			}
		})
	}
}
