// Package ctags drives a long-lived ctags coprocess to extract symbol
// definitions from source files.
//
// One process is started per Bridge and fed absolute file paths on stdin.
// For every path ctags prints tag lines followed by Sentinel. A Bridge is
// owned by a single indexing worker and must not be shared.
package ctags

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/grok/pkg/code"
	"github.com/jmylchreest/grok/pkg/proc"
)

var ctagsLog = log.New(os.Stderr, "[grok:ctags] ", log.Ltime)

// Sentinel terminates the tag output for one file.
const Sentinel = "__ctags_done_with_file__"

// DefaultBinary is used when Config.Binary is empty.
const DefaultBinary = "ctags"

// exitTimeout bounds how long Close and respawn wait for the old process.
const exitTimeout = 5 * time.Second

// DefaultArgs enables local-variable kinds, pattern addresses and filter
// mode terminated by Sentinel.
var DefaultArgs = []string{
	"--c-kinds=+l",
	"--java-kinds=+l",
	"--sql-kinds=+l",
	"--Fortran-kinds=+L",
	"--C++-kinds=+l",
	"--file-scope=yes",
	"-u",
	"--filter=yes",
	"--filter-terminator=" + Sentinel + "\n",
	"--fields=-anf+iKnS",
	"--excmd=pattern",
	`--regex-Asm=/^[ \t]*(ENTRY|ENTRY2|ALTENTRY)[ \t]*\(([a-zA-Z0-9_]+)/\2/f,function/`,
}

// ErrClosed is returned by Extract after Close.
var ErrClosed = errors.New("ctags bridge closed")

type state int

const (
	stateNotStarted state = iota
	stateRunning
	stateDead
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateNotStarted:
		return "not-started"
	case stateRunning:
		return "running"
	case stateDead:
		return "dead"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Config configures a Bridge.
type Config struct {
	Binary string
	Args   []string // replaces DefaultArgs when non-nil
	Env    []string // appended to the inherited environment
}

// Bridge owns at most one ctags coprocess.
type Bridge struct {
	cfg Config

	mu     sync.Mutex
	state  state
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
	starts int

	// stdoutFile is the read end behind stdout, closed by kill.
	stdoutFile *os.File
}

// New returns a Bridge. The coprocess is started lazily by Extract.
func New(cfg Config) *Bridge {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Args == nil {
		cfg.Args = DefaultArgs
	}
	return &Bridge{cfg: cfg}
}

// Extract returns the definitions ctags finds in the file at path. An empty
// path yields nil. If the coprocess dies mid-file the tags read so far are
// returned and the next call starts a fresh process.
func (b *Bridge) Extract(path string) (*code.Definitions, error) {
	if path == "" || path == "\n" {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateClosed {
		return nil, ErrClosed
	}
	if !b.probe() {
		if b.state == stateDead {
			ctagsLog.Printf("ctags exited, restarting")
		}
		if err := b.start(); err != nil {
			return nil, err
		}
	}

	if _, err := io.WriteString(b.stdin, path+"\n"); err != nil {
		b.kill()
		return nil, fmt.Errorf("failed to send %s to ctags: %w", path, err)
	}

	defs := code.NewDefinitions()
	for {
		line, err := b.stdout.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == Sentinel {
			return defs, nil
		}
		if line != "" {
			ParseLine(defs, line)
		}
		if err != nil {
			ctagsLog.Printf("unexpected end of ctags output for %s: %v", path, err)
			b.kill()
			return defs, nil
		}
	}
}

// probe reports whether the coprocess is running, moving Running to Dead
// when it has exited.
func (b *Bridge) probe() bool {
	if b.state != stateRunning {
		return false
	}
	select {
	case <-b.exited:
		b.state = stateDead
		return false
	default:
		return true
	}
}

func (b *Bridge) start() error {
	cmd := exec.Command(b.cfg.Binary, b.cfg.Args...)
	if len(b.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), b.cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create ctags stdin: %w", err)
	}
	// Wait closes pipes made by StdoutPipe, dropping tags still buffered
	// when ctags exits. With our own pipe the reader sees them, then EOF.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create ctags stdout: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return fmt.Errorf("failed to create ctags stderr: %w", err)
	}
	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		stdout.Close()
		b.state = stateDead
		return &proc.ProcessError{Command: b.cfg.Binary, Args: b.cfg.Args, ExitCode: -1, Err: err}
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		// Drain stderr before Wait so the process never blocks on a full pipe.
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			ctagsLog.Printf("ctags: %s", scanner.Text())
		}
		if err := cmd.Wait(); err != nil {
			ctagsLog.Printf("ctags process ended: %v", err)
		}
	}()

	b.cmd = cmd
	b.stdin = stdin
	b.stdoutFile = stdout
	b.stdout = bufio.NewReader(stdout)
	b.exited = exited
	b.state = stateRunning
	b.starts++
	return nil
}

// kill terminates the coprocess and waits for it to be reaped.
func (b *Bridge) kill() {
	if b.cmd == nil {
		return
	}
	b.stdin.Close()
	if b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	select {
	case <-b.exited:
	case <-time.After(exitTimeout):
		ctagsLog.Printf("ctags did not exit within %v", exitTimeout)
	}
	b.stdoutFile.Close()
	b.cmd = nil
	b.state = stateDead
}

// Close shuts the coprocess down. Further Extract calls fail with ErrClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kill()
	b.state = stateClosed
	return nil
}
