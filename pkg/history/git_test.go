package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gitFixture struct {
	dir  string
	repo *git.Repository
	wt   *git.Worktree
	when time.Time
}

func newGitFixture(t *testing.T) *gitFixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return &gitFixture{dir: dir, repo: repo, wt: wt, when: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *gitFixture) commit(t *testing.T, msg, author string, files map[string]string) string {
	t.Helper()
	for name, content := range files {
		writeFile(t, filepath.Join(f.dir, name), content)
		_, err := f.wt.Add(name)
		require.NoError(t, err)
	}
	f.when = f.when.Add(time.Hour)
	hash, err := f.wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: author, Email: author + "@example.com", When: f.when},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestGitBackend(t *testing.T) {
	f := newGitFixture(t)
	first := f.commit(t, "initial import\n", "alice", map[string]string{
		"main.c":     "int main(void) { return 0; }\n",
		"lib/util.c": "int util;\n",
	})
	second := f.commit(t, "tweak util", "bob", map[string]string{
		"lib/util.c": "int util = 1;\nint more;\n",
	})

	b := GitBackend{}
	require.True(t, b.Locate(f.dir))
	assert.False(t, b.Locate(t.TempDir()))

	r, err := b.Open(f.dir)
	require.NoError(t, err)
	assert.Equal(t, "git", r.Type())
	assert.True(t, r.IsCacheable())
	ctx := context.Background()

	t.Run("file history", func(t *testing.T) {
		h, err := r.FileHistory(ctx, filepath.Join(f.dir, "lib", "util.c"))
		require.NoError(t, err)
		require.Len(t, h.Entries, 2)
		assert.Equal(t, second, h.Entries[0].Revision)
		assert.Equal(t, "bob <bob@example.com>", h.Entries[0].Author)
		assert.Equal(t, "tweak util", h.Entries[0].Message)
		assert.Equal(t, first, h.Entries[1].Revision)
		assert.Equal(t, "initial import", h.Entries[1].Message)

		h, err = r.FileHistory(ctx, filepath.Join(f.dir, "main.c"))
		require.NoError(t, err)
		require.Len(t, h.Entries, 1)
		assert.Equal(t, first, h.Entries[0].Revision)
	})

	t.Run("directory history", func(t *testing.T) {
		dp, ok := r.(DirectoryHistoryParser)
		require.True(t, ok)

		h, err := dp.DirectoryHistory(ctx, f.dir)
		require.NoError(t, err)
		require.Len(t, h.Entries, 2)
		assert.Equal(t, []string{"lib/util.c"}, h.Entries[0].Files)
		assert.Equal(t, []string{"lib/util.c", "main.c"}, h.Entries[1].Files)

		h, err = dp.DirectoryHistory(ctx, filepath.Join(f.dir, "lib"))
		require.NoError(t, err)
		require.Len(t, h.Entries, 2)
		assert.Equal(t, []string{"lib/util.c"}, h.Entries[1].Files)
	})

	t.Run("has history", func(t *testing.T) {
		assert.True(t, r.HasHistory(filepath.Join(f.dir, "main.c")))
		assert.True(t, r.HasHistory(filepath.Join(f.dir, "lib")))
		writeFile(t, filepath.Join(f.dir, "untracked.c"), "x")
		assert.False(t, r.HasHistory(filepath.Join(f.dir, "untracked.c")))
	})

	t.Run("revision content", func(t *testing.T) {
		got, err := r.RevisionContent(ctx, filepath.Join(f.dir, "lib", "util.c"), first)
		require.NoError(t, err)
		assert.Equal(t, "int util;\n", string(got))

		got, err = r.RevisionContent(ctx, filepath.Join(f.dir, "lib", "util.c"), "")
		require.NoError(t, err)
		assert.Equal(t, "int util = 1;\nint more;\n", string(got))
	})

	t.Run("annotate", func(t *testing.T) {
		a, err := r.(Annotator).Annotate(ctx, filepath.Join(f.dir, "lib", "util.c"), "")
		require.NoError(t, err)
		require.Len(t, a.Lines, 2)
		assert.Equal(t, second, a.Lines[0].Revision)
		assert.Equal(t, "int more;", a.Lines[1].Text)
	})

	t.Run("update without remote", func(t *testing.T) {
		assert.NoError(t, r.Update(ctx))
	})
}

func TestGitRegistryCreateCache(t *testing.T) {
	src := t.TempDir()
	proj := filepath.Join(src, "proj")
	repo, err := git.PlainInit(proj, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	f := &gitFixture{dir: proj, repo: repo, wt: wt, when: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.commit(t, "add a", "alice", map[string]string{"a.c": "a\n", "b/c.c": "c\n"})

	reg := NewRegistry(src, nil, Options{CacheRoot: t.TempDir(), CacheThreshold: time.Hour, Backends: []Backend{GitBackend{}}})
	n, err := reg.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reg.CreateCache(context.Background())
	assert.True(t, reg.Cache().Exists(proj))

	for _, name := range []string{"a.c", filepath.Join("b", "c.c")} {
		cachePath, err := reg.Cache().Path(filepath.Join(proj, name))
		require.NoError(t, err)
		assert.FileExists(t, cachePath)
	}

	h, err := reg.History(context.Background(), filepath.Join(proj, "a.c"))
	require.NoError(t, err)
	require.Len(t, h.Entries, 1)
	assert.Equal(t, "add a", h.Entries[0].Message)
}
