package history

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/grok/pkg/proc"
)

// Commands names the external binaries used by the command-driven
// backends. Git is read in-process and needs no binary.
type Commands struct {
	Mercurial   string
	RCSLog      string
	RCSCheckout string
	ClearCase   string
	SCCS        string
	// Timeout bounds each SCM invocation; zero means no limit.
	Timeout time.Duration
}

// DefaultCommands returns the stock binary names.
func DefaultCommands() Commands {
	return Commands{
		Mercurial:   "hg",
		RCSLog:      "rlog",
		RCSCheckout: "co",
		ClearCase:   "cleartool",
		SCCS:        "sccs",
		Timeout:     5 * time.Minute,
	}
}

// DefaultBackends returns every supported backend in discovery order.
func DefaultBackends(cmds Commands) []Backend {
	return []Backend{
		GitBackend{},
		MercurialBackend{Binary: cmds.Mercurial, Timeout: cmds.Timeout},
		ClearCaseBackend{Binary: cmds.ClearCase, Timeout: cmds.Timeout},
		TeamwareBackend{Binary: cmds.SCCS, Timeout: cmds.Timeout},
		RCSBackend{Log: cmds.RCSLog, Checkout: cmds.RCSCheckout, Timeout: cmds.Timeout},
	}
}

// BackendNames lists the names of backends, in order.
func BackendNames(backends []Backend) []string {
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name()
	}
	return names
}

// commandRepo carries what every command-driven repository shares.
type commandRepo struct {
	dir     string
	binary  string
	timeout time.Duration
	working bool
}

func newCommandRepo(dir, binary string, timeout time.Duration) commandRepo {
	return commandRepo{
		dir:     filepath.Clean(dir),
		binary:  binary,
		timeout: timeout,
		working: proc.Available(binary),
	}
}

func (r *commandRepo) Directory() string { return r.dir }
func (r *commandRepo) IsWorking() bool   { return r.working }

// run executes the repository binary in dir with args.
func (r *commandRepo) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	return r.runBinary(ctx, r.binary, dir, args...)
}

func (r *commandRepo) runBinary(ctx context.Context, binary, dir string, args ...string) ([]byte, error) {
	return proc.New(dir, binary, args...).WithTimeout(r.timeout).Output(ctx)
}

// relSlash returns path relative to the repository root, slash separated.
func (r *commandRepo) relSlash(path string) (string, error) {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
