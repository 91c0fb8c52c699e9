package ctags

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

// TestHelperProcess acts as a fake ctags coprocess when re-executed by the
// tests below. Paths ending in "crash" kill it mid-file.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GROK_WANT_CTAGS_HELPER") != "1" {
		return
	}
	fmt.Fprintln(os.Stderr, "fake ctags: ready")
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		path := in.Text()
		if strings.HasSuffix(path, "burst") {
			for i := 1; i <= burstTags; i++ {
				fmt.Printf("sym%d\t/^int sym%d;$/;\"\tvariable\tline:%d\n", i, i, i)
			}
			os.Exit(1)
		}
		if strings.HasSuffix(path, "crash") {
			fmt.Printf("half\t/^int half;$/;\"\tvariable\tline:1\n")
			os.Exit(1)
		}
		fmt.Printf("foo\t/^void foo(int x)/;\"\tline:10\tkind:f\tsignature:(int x)\n")
		fmt.Printf("bar\t/^static int bar;$/;\"\tvariable\tline:2\n")
		fmt.Println(Sentinel)
	}
	os.Exit(0)
}

// burstTags is how many tags the helper prints before exiting on a
// "burst" path; more than one pipe buffer.
const burstTags = 5000

func newHelperBridge() *Bridge {
	return New(Config{
		Binary: os.Args[0],
		Args:   []string{"-test.run=TestHelperProcess"},
		Env:    []string{"GROK_WANT_CTAGS_HELPER=1"},
	})
}

func TestBridgeExtract(t *testing.T) {
	b := newHelperBridge()
	defer b.Close()

	if b.state != stateNotStarted {
		t.Fatalf("initial state = %v, want not-started", b.state)
	}

	for i := 0; i < 3; i++ {
		defs, err := b.Extract("/src/file.c")
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		if !defs.HasDefinitionAt("foo", 10) || !defs.HasDefinitionAt("x", 10) || !defs.HasSymbol("bar") {
			t.Fatalf("unexpected definitions: %+v", defs.Tags())
		}
	}
	if b.starts != 1 {
		t.Errorf("coprocess started %d times, want 1", b.starts)
	}
	if b.state != stateRunning {
		t.Errorf("state = %v, want running", b.state)
	}
}

func TestBridgeRespawnAfterCrash(t *testing.T) {
	b := newHelperBridge()
	defer b.Close()

	if _, err := b.Extract("/src/ok.c"); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	defs, err := b.Extract("/src/crash")
	if err != nil {
		t.Fatalf("unexpected end of stream must not be an error: %v", err)
	}
	if !defs.HasSymbol("half") {
		t.Errorf("partial result lost: %+v", defs.Tags())
	}
	if b.state != stateDead {
		t.Errorf("state after crash = %v, want dead", b.state)
	}

	defs, err = b.Extract("/src/again.c")
	if err != nil {
		t.Fatalf("Extract after crash failed: %v", err)
	}
	if !defs.HasSymbol("foo") {
		t.Errorf("respawned coprocess returned %+v", defs.Tags())
	}
	if b.starts != 2 {
		t.Errorf("coprocess started %d times, want 2", b.starts)
	}
}

func TestBridgeReadsOutputAfterExit(t *testing.T) {
	b := newHelperBridge()
	defer b.Close()

	defs, err := b.Extract("/src/burst")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got := defs.Len(); got != burstTags {
		t.Errorf("read %d tags, want %d", got, burstTags)
	}
	if !defs.HasDefinitionAt(fmt.Sprintf("sym%d", burstTags), burstTags) {
		t.Error("last tag before exit lost")
	}
}

func TestBridgeEmptyPath(t *testing.T) {
	b := newHelperBridge()
	defer b.Close()

	defs, err := b.Extract("")
	if err != nil || defs != nil {
		t.Fatalf("Extract(\"\") = %v, %v; want nil, nil", defs, err)
	}
	if b.starts != 0 {
		t.Error("empty path must not start the coprocess")
	}
}

func TestBridgeClose(t *testing.T) {
	b := newHelperBridge()
	if _, err := b.Extract("/src/file.c"); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := b.Extract("/src/file.c"); !errors.Is(err, ErrClosed) {
		t.Errorf("Extract after Close = %v, want ErrClosed", err)
	}
}

func TestBridgeMissingBinary(t *testing.T) {
	b := New(Config{Binary: "grok-no-such-ctags"})
	defer b.Close()

	if _, err := b.Extract("/src/file.c"); err == nil {
		t.Fatal("expected an error for a missing binary")
	}
	if b.state != stateDead {
		t.Errorf("state = %v, want dead", b.state)
	}
}
