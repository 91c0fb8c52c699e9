package index

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/grok/pkg/analysis"
	"github.com/jmylchreest/grok/pkg/code"
	"github.com/jmylchreest/grok/pkg/store"
)

var baseTime = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

// recorder counts listener notifications.
type recorder struct {
	mu      sync.Mutex
	added   []string
	removed []string
	onAdd   func(path string)
}

func (r *recorder) FileAdded(path, _ string) {
	r.mu.Lock()
	r.added = append(r.added, path)
	fn := r.onAdd
	r.mu.Unlock()
	if fn != nil {
		fn(path)
	}
}

func (r *recorder) FileRemoved(path string) {
	r.mu.Lock()
	r.removed = append(r.removed, path)
	r.mu.Unlock()
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.added, r.removed = nil, nil
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added), len(r.removed)
}

// fakeExtractor defines one symbol per file, named after the file.
type fakeExtractor struct {
	closed *bool
}

func (f fakeExtractor) Extract(path string) (*code.Definitions, error) {
	defs := code.NewDefinitions()
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	defs.Add(code.Tag{Line: 1, Symbol: name + "_fn", Kind: "function", Text: "void " + name + "_fn()"})
	return defs, nil
}

func (f fakeExtractor) Close() error {
	if f.closed != nil {
		*f.closed = true
	}
	return nil
}

// flakyExtractor fails for files named in fail until they are removed.
type flakyExtractor struct {
	fakeExtractor
	mu   *sync.Mutex
	fail map[string]bool
}

func (f flakyExtractor) Extract(path string) (*code.Definitions, error) {
	f.mu.Lock()
	bad := f.fail[filepath.Base(path)]
	f.mu.Unlock()
	if bad {
		return nil, errors.New("ctags exited")
	}
	return f.fakeExtractor.Extract(path)
}

type fixture struct {
	src  string
	data string
	db   *Database
	rec  *recorder
}

func setupFixture(t *testing.T, files map[string]string, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{src: t.TempDir(), data: t.TempDir(), rec: &recorder{}}
	for rel, content := range files {
		f.write(t, rel, content, baseTime)
	}

	opts := Options{
		SourceRoot:    f.src,
		Project:       "test",
		Path:          "/",
		IndexDir:      filepath.Join(f.data, "index", "test"),
		XrefDir:       filepath.Join(f.data, "xref"),
		TimestampFile: filepath.Join(f.data, "timestamp"),
		Guru:          analysis.NewGuru(0),
		NewExtractor:  func() Extractor { return fakeExtractor{} },
		Optimize:      true,
		GenerateXref:  true,
		CompressXref:  true,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.db = New(opts)
	f.db.AddListener(f.rec)
	return f
}

func (f *fixture) write(t *testing.T, rel, content string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(f.src, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) update(t *testing.T) {
	t.Helper()
	if err := f.db.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func (f *fixture) openStore(t *testing.T) *store.Index {
	t.Helper()
	s, err := store.Open(f.db.opts.IndexDir)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func (f *fixture) paths(t *testing.T) []string {
	t.Helper()
	var buf bytes.Buffer
	if err := f.db.ListFiles(&buf); err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	out := strings.Fields(buf.String())
	sort.Strings(out)
	return out
}

var sampleTree = map[string]string{
	"main.c":         "int main(void) { return helper(); }\n",
	"lib/helper.c":   "int helper(void) { return 42; }\n",
	"lib/util/str.c": "char *copy(char *s) { return s; }\n",
	"README":         "sample project\n",
}

// =============================================================================
// Merge
// =============================================================================

func TestUpdateInitial(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)

	added, removed := f.rec.counts()
	if added != 4 || removed != 0 {
		t.Errorf("added=%d removed=%d, want 4/0", added, removed)
	}
	want := []string{"/README", "/lib/helper.c", "/lib/util/str.c", "/main.c"}
	if got := f.paths(t); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("paths = %v, want %v", got, want)
	}

	// Listing order is byte-wise walk order.
	if f.rec.added[0] != "/README" || f.rec.added[3] != "/main.c" {
		t.Errorf("add order = %v", f.rec.added)
	}
}

func TestUpdateUnchangedTree(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)
	f.rec.reset()

	f.update(t)
	added, removed := f.rec.counts()
	if added != 0 || removed != 0 {
		t.Errorf("second update: added=%d removed=%d, want 0/0", added, removed)
	}
}

func TestUpdateChangedFile(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)
	f.rec.reset()

	f.write(t, "lib/helper.c", "int helper(void) { return 43; }\n", baseTime.Add(time.Minute))
	f.update(t)

	if len(f.rec.added) != 1 || f.rec.added[0] != "/lib/helper.c" {
		t.Errorf("added = %v, want [/lib/helper.c]", f.rec.added)
	}
	if len(f.rec.removed) != 1 || f.rec.removed[0] != "/lib/helper.c" {
		t.Errorf("removed = %v, want [/lib/helper.c]", f.rec.removed)
	}

	s := f.openStore(t)
	m, err := s.Document("/lib/helper.c")
	if err != nil {
		t.Fatalf("Document failed: %v", err)
	}
	if !m.Date.Equal(baseTime.Add(time.Minute)) {
		t.Errorf("Date = %v, want updated mtime", m.Date)
	}
}

func TestUpdateOlderMtime(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)
	f.rec.reset()

	// A restored older copy sorts before the indexed uid.
	f.write(t, "main.c", "int main(void) { return 0; }\n", baseTime.Add(-time.Hour))
	f.update(t)

	added, removed := f.rec.counts()
	if added != 1 || removed != 1 {
		t.Errorf("added=%d removed=%d, want 1/1", added, removed)
	}
	if got := f.paths(t); len(got) != 4 {
		t.Errorf("paths = %v", got)
	}
	if _, err := os.Stat(analysis.XrefPath(f.db.opts.XrefDir, "/main.c", true)); err != nil {
		t.Errorf("xref of re-added file removed: %v", err)
	}
}

func TestUpdateDeletedFile(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)

	xref := analysis.XrefPath(f.db.opts.XrefDir, "/lib/util/str.c", true)
	if _, err := os.Stat(xref); err != nil {
		t.Fatalf("xref not written: %v", err)
	}

	f.rec.reset()
	if err := os.RemoveAll(filepath.Join(f.src, "lib", "util")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(f.src, "main.c")); err != nil {
		t.Fatal(err)
	}
	f.update(t)

	added, removed := f.rec.counts()
	if added != 0 || removed != 2 {
		t.Errorf("added=%d removed=%d, want 0/2", added, removed)
	}
	want := []string{"/README", "/lib/helper.c"}
	if got := f.paths(t); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("paths = %v, want %v", got, want)
	}
	if _, err := os.Stat(xref); !os.IsNotExist(err) {
		t.Errorf("xref still present after delete: %v", err)
	}
}

func TestUpdateAddedFile(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)
	f.rec.reset()

	f.write(t, "lib/new.c", "int fresh;\n", baseTime)
	f.update(t)

	if len(f.rec.added) != 1 || f.rec.added[0] != "/lib/new.c" || len(f.rec.removed) != 0 {
		t.Errorf("added=%v removed=%v", f.rec.added, f.rec.removed)
	}
}

// =============================================================================
// Documents
// =============================================================================

func TestUpdateStoresDocument(t *testing.T) {
	closed := false
	f := setupFixture(t, sampleTree, func(o *Options) {
		o.NewExtractor = func() Extractor { return fakeExtractor{closed: &closed} }
	})
	f.update(t)

	if !closed {
		t.Error("extractor not closed after update")
	}

	s := f.openStore(t)
	defs, err := s.Definitions("/lib/helper.c")
	if err != nil {
		t.Fatalf("Definitions failed: %v", err)
	}
	if !defs.HasSymbol("helper_fn") {
		t.Errorf("definitions = %+v", defs.Tags())
	}

	res, err := s.Search(store.Query{Defs: "helper_fn"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if res.Total != 1 || res.Hits[0].Path != "/lib/helper.c" {
		t.Errorf("search = %+v", res)
	}

	res, err = s.Search(store.Query{Full: "42"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("full-text search total = %d, want 1", res.Total)
	}

	m, err := s.Document("/main.c")
	if err != nil {
		t.Fatalf("Document failed: %v", err)
	}
	if m.Project != "test" || m.Genre != string(analysis.GenrePlain) || m.Lang != "C" {
		t.Errorf("meta = %+v", m)
	}
}

func TestUpdateRetriesAfterExtractorFailure(t *testing.T) {
	var mu sync.Mutex
	fail := map[string]bool{"helper.c": true}
	f := setupFixture(t, sampleTree, func(o *Options) {
		o.NewExtractor = func() Extractor { return flakyExtractor{mu: &mu, fail: fail} }
	})
	f.update(t)

	want := []string{"/README", "/lib/util/str.c", "/main.c"}
	if got := f.paths(t); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("paths after failed extraction = %v, want %v", got, want)
	}

	mu.Lock()
	delete(fail, "helper.c")
	mu.Unlock()
	f.rec.reset()
	f.update(t)

	if added, _ := f.rec.counts(); added != 1 || f.rec.added[0] != "/lib/helper.c" {
		t.Errorf("retry added %v, want [/lib/helper.c]", f.rec.added)
	}
	defs, err := f.openStore(t).Definitions("/lib/helper.c")
	if err != nil {
		t.Fatalf("Definitions failed: %v", err)
	}
	if !defs.HasSymbol("helper_fn") {
		t.Errorf("definitions = %+v", defs.Tags())
	}
}

func TestUpdateBinaryFile(t *testing.T) {
	f := setupFixture(t, map[string]string{"blob.bin": "\x00\x01\x02\x03"})
	f.update(t)

	s := f.openStore(t)
	m, err := s.Document("/blob.bin")
	if err != nil {
		t.Fatalf("Document failed: %v", err)
	}
	if m.Genre != string(analysis.GenreData) {
		t.Errorf("Genre = %q, want data", m.Genre)
	}
	if _, err := os.Stat(analysis.XrefPath(f.db.opts.XrefDir, "/blob.bin", true)); !os.IsNotExist(err) {
		t.Error("xref written for binary file")
	}
}

func TestUpdateWithoutXref(t *testing.T) {
	f := setupFixture(t, sampleTree, func(o *Options) { o.GenerateXref = false })
	f.update(t)
	if _, err := os.Stat(f.db.opts.XrefDir); !os.IsNotExist(err) {
		t.Errorf("xref dir created with GenerateXref off")
	}
}

// =============================================================================
// Accept rules
// =============================================================================

func TestUpdateSkipsIgnoredAndSymlinks(t *testing.T) {
	f := setupFixture(t, map[string]string{
		"src/a.c":        "int a;\n",
		"src/a.c~":       "backup\n",
		"CVS/Entries":    "cvs\n",
		"outside/b.c":    "int b;\n",
		"src/tags":       "ctags output\n",
		".grok/index.db": "data\n",
	})
	if err := os.Symlink("a.c", filepath.Join(f.src, "src", "local.c")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(f.src, "outside", "b.c"), filepath.Join(f.src, "src", "remote.c")); err != nil {
		t.Fatal(err)
	}
	f.update(t)

	want := []string{"/outside/b.c", "/src/a.c", "/src/local.c"}
	if got := f.paths(t); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("paths = %v, want %v", got, want)
	}
}

func TestUpdateVersionedOnlyWithoutHistory(t *testing.T) {
	f := setupFixture(t, sampleTree, func(o *Options) { o.VersionedOnly = true })
	f.update(t)
	if got := f.paths(t); len(got) != 0 {
		t.Errorf("paths = %v, want none", got)
	}
}

func TestUpdateSubtreePartition(t *testing.T) {
	f := setupFixture(t, sampleTree, func(o *Options) { o.Path = "/lib" })
	f.update(t)

	want := []string{"/lib/helper.c", "/lib/util/str.c"}
	if got := f.paths(t); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("paths = %v, want %v", got, want)
	}

	// A second run leaves the partition alone.
	f.rec.reset()
	f.update(t)
	if a, r := f.rec.counts(); a != 0 || r != 0 {
		t.Errorf("added=%d removed=%d, want 0/0", a, r)
	}
}

func TestUpdateMissingPartition(t *testing.T) {
	f := setupFixture(t, sampleTree, func(o *Options) { o.Path = "/nope" })
	if err := f.db.Update(context.Background()); err == nil {
		t.Fatal("expected error for missing partition root")
	}
}

// =============================================================================
// Concurrency and interruption
// =============================================================================

func TestUpdateAlreadyRunning(t *testing.T) {
	f := setupFixture(t, sampleTree)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.rec.onAdd = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() { done <- f.db.Update(context.Background()) }()

	<-entered
	if !f.db.IsRunning() {
		t.Error("IsRunning() = false during update")
	}
	if err := f.db.Update(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent Update = %v, want ErrAlreadyRunning", err)
	}
	if err := f.db.Optimize(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent Optimize = %v, want ErrAlreadyRunning", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	if f.db.IsRunning() {
		t.Error("IsRunning() = true after update")
	}
}

func TestUpdateInterrupt(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)

	// Delete everything, then interrupt on the first new file: the
	// unvisited leftovers must survive.
	for rel := range sampleTree {
		if err := os.Remove(filepath.Join(f.src, filepath.FromSlash(rel))); err != nil {
			t.Fatal(err)
		}
	}
	f.write(t, "0first.c", "int first;\n", baseTime)
	f.rec.reset()
	f.rec.onAdd = func(string) { f.db.Interrupt() }

	err := f.db.Update(context.Background())
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Update = %v, want ErrInterrupted", err)
	}
	if got := f.paths(t); len(got) != 5 {
		t.Errorf("paths after interrupt = %v, want 5 entries", got)
	}

	// The next run completes.
	f.rec.onAdd = nil
	f.update(t)
	if got := f.paths(t); len(got) != 1 || got[0] != "/0first.c" {
		t.Errorf("paths = %v, want [/0first.c]", got)
	}
}

func TestUpdateCancelled(t *testing.T) {
	f := setupFixture(t, sampleTree)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.db.Update(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Update = %v, want context.Canceled", err)
	}
	if a, _ := f.rec.counts(); a != 0 {
		t.Errorf("added %d files after cancel", a)
	}
}

// =============================================================================
// Post-pass
// =============================================================================

func TestDirtyAndTimestamp(t *testing.T) {
	f := setupFixture(t, sampleTree, func(o *Options) { o.Optimize = false })
	f.update(t)

	if !f.db.IsDirty() {
		t.Error("index not dirty after adds without optimize")
	}
	info, err := os.Stat(f.db.opts.TimestampFile)
	if err != nil {
		t.Fatalf("timestamp not written: %v", err)
	}
	stamp := info.ModTime()

	if err := f.db.Optimize(); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if f.db.IsDirty() {
		t.Error("index still dirty after Optimize")
	}

	// A no-op update leaves the timestamp alone.
	if err := os.Chtimes(f.db.opts.TimestampFile, baseTime, baseTime); err != nil {
		t.Fatal(err)
	}
	f.update(t)
	info, _ = os.Stat(f.db.opts.TimestampFile)
	if !info.ModTime().Equal(baseTime) {
		t.Errorf("timestamp touched by no-op update (was %v)", stamp)
	}
}

func TestOptimizeClearsDirty(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)
	if f.db.IsDirty() {
		t.Error("index dirty after update with optimize enabled")
	}
}

func TestSuggestionsRebuilt(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)

	s := f.openStore(t)
	sugg, err := s.Suggest("help", 10)
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	found := false
	for _, sg := range sugg {
		if sg.Term == "helper" {
			found = true
		}
	}
	if !found {
		t.Errorf("suggestions = %+v, want helper", sugg)
	}
}

func TestPendingDirtyMarker(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)

	// Leave the index as a crashed run would: marker set, suggestions gone.
	if err := os.WriteFile(f.db.dirtyPath(), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(f.db.opts.IndexDir, store.SuggestDir)); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(f.db.opts.TimestampFile, baseTime, baseTime); err != nil {
		t.Fatal(err)
	}

	f.rec.reset()
	f.update(t)
	if added, removed := f.rec.counts(); added != 0 || removed != 0 {
		t.Fatalf("added=%d removed=%d, want 0/0", added, removed)
	}
	if f.db.IsDirty() {
		t.Error("dirty marker not cleared by optimize")
	}
	info, err := os.Stat(f.db.opts.TimestampFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.ModTime().Equal(baseTime) {
		t.Error("timestamp not touched")
	}

	sugg, err := f.openStore(t).Suggest("help", 10)
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(sugg) == 0 {
		t.Error("suggestions not rebuilt")
	}
}

func TestLastRun(t *testing.T) {
	f := setupFixture(t, sampleTree)
	if f.db.LastRun() != "" {
		t.Errorf("LastRun before any update = %q", f.db.LastRun())
	}
	f.update(t)
	first := f.db.LastRun()
	if _, err := ulid.Parse(first); err != nil {
		t.Fatalf("LastRun %q is not a ULID: %v", first, err)
	}
	f.update(t)
	if second := f.db.LastRun(); second == first {
		t.Errorf("LastRun unchanged across updates: %s", second)
	}
}

func TestListTokens(t *testing.T) {
	f := setupFixture(t, sampleTree)
	f.update(t)

	var buf bytes.Buffer
	if err := f.db.ListTokens(&buf, store.FieldFull, 2); err != nil {
		t.Fatalf("ListTokens failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	found := false
	for _, l := range lines {
		if l == "return\t3" {
			found = true
		}
	}
	if !found {
		t.Errorf("tokens = %q, want return\\t3", buf.String())
	}
}

// =============================================================================
// Runner
// =============================================================================

func TestUpdateAll(t *testing.T) {
	src := t.TempDir()
	data := t.TempDir()
	for _, rel := range []string{"a/x.c", "a/y.c", "b/z.c"} {
		p := filepath.Join(src, filepath.FromSlash(rel))
		os.MkdirAll(filepath.Dir(p), 0o755)
		if err := os.WriteFile(p, []byte("int v;\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	mk := func(project, path string) *Database {
		return New(Options{
			SourceRoot: src,
			Project:    project,
			Path:       path,
			IndexDir:   filepath.Join(data, "index", project),
		})
	}
	dbs := []*Database{mk("a", "/a"), mk("b", "/b"), mk("missing", "/missing")}

	err := UpdateAll(context.Background(), dbs, 2)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("UpdateAll error = %v, want failure for partition missing", err)
	}

	var buf bytes.Buffer
	if err := Find(dbs, "a").ListFiles(&buf); err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if got := strings.Fields(buf.String()); len(got) != 2 {
		t.Errorf("partition a files = %v", got)
	}
	if Find(dbs, "nope") != nil {
		t.Error("Find of unknown project returned a database")
	}
}

func TestAffected(t *testing.T) {
	src := t.TempDir()
	a := New(Options{SourceRoot: src, Project: "a", Path: "/a"})
	ab := New(Options{SourceRoot: src, Project: "ab", Path: "/ab"})
	root := New(Options{SourceRoot: src, Project: "root", Path: "/"})
	dbs := []*Database{a, ab, root}

	got := Affected(dbs, []string{filepath.Join(src, "a", "x.c")})
	if len(got) != 2 || got[0] != a || got[1] != root {
		t.Errorf("Affected = %v", got)
	}
	got = Affected(dbs[:2], []string{filepath.Join(src, "other.c")})
	if len(got) != 0 {
		t.Errorf("Affected = %v, want none", got)
	}
}
