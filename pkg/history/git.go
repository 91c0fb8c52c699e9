package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitBackend reads Git repositories in-process.
type GitBackend struct{}

func (GitBackend) Name() string { return "git" }

func (GitBackend) Locate(dir string) bool {
	return exists(filepath.Join(dir, ".git"))
}

func (GitBackend) Open(dir string) (Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}
	return &GitRepository{dir: filepath.Clean(dir), repo: repo}, nil
}

// GitRepository is a Git working copy.
type GitRepository struct {
	dir string

	mu   sync.Mutex // go-git object access is not goroutine safe
	repo *git.Repository
}

func (r *GitRepository) Type() string                  { return "git" }
func (r *GitRepository) Directory() string             { return r.dir }
func (r *GitRepository) IsWorking() bool               { return true }
func (r *GitRepository) IsCacheable() bool             { return true }
func (r *GitRepository) SupportsSubRepositories() bool { return false }

func (r *GitRepository) rel(path string) (string, error) {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrNoRepository, path)
	}
	return filepath.ToSlash(rel), nil
}

func (r *GitRepository) head() (*object.Commit, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return nil, err
	}
	return r.repo.CommitObject(ref.Hash())
}

func (r *GitRepository) HasHistory(path string) bool {
	rel, err := r.rel(path)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.head()
	if err != nil {
		return false
	}
	tree, err := c.Tree()
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if _, err := tree.File(rel); err == nil {
		return true
	}
	_, err = tree.Tree(rel)
	return err == nil
}

func (r *GitRepository) FileHistory(ctx context.Context, path string) (*History, error) {
	rel, err := r.rel(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: ref.Hash(), FileName: &rel})
	if err != nil {
		return nil, fmt.Errorf("failed to read log for %s: %w", rel, err)
	}
	defer iter.Close()

	h := &History{}
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.Entries = append(h.Entries, gitEntry(c))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// DirectoryHistory walks every commit reachable from HEAD and keeps those
// touching dir, recording the touched files relative to the repository root.
func (r *GitRepository) DirectoryHistory(ctx context.Context, dir string) (*History, error) {
	rel, err := r.rel(dir)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if rel != "." {
		prefix = rel + "/"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ref, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	h := &History{}
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		files, err := changedFiles(c)
		if err != nil {
			return err
		}
		e := gitEntry(c)
		for _, f := range files {
			if strings.HasPrefix(f, prefix) {
				e.AddFile(f)
			}
		}
		if len(e.Files) > 0 {
			h.Entries = append(h.Entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// changedFiles diffs c against its first parent, or the empty tree for a
// root commit.
func changedFiles(c *object.Commit) ([]string, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}
	var parentTree *object.Tree
	if c.NumParents() > 0 {
		parent, err := c.Parent(0)
		if err != nil {
			return nil, err
		}
		if parentTree, err = parent.Tree(); err != nil {
			return nil, err
		}
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s: %w", c.Hash, err)
	}
	files := make([]string, 0, len(changes))
	for _, ch := range changes {
		name := ch.To.Name
		if name == "" {
			name = ch.From.Name
		}
		files = append(files, name)
	}
	return files, nil
}

func gitEntry(c *object.Commit) Entry {
	return Entry{
		Revision: c.Hash.String(),
		Author:   fmt.Sprintf("%s <%s>", c.Author.Name, c.Author.Email),
		Date:     c.Author.When.UTC(),
		Message:  strings.TrimSpace(c.Message),
		Active:   true,
	}
}

func (r *GitRepository) commit(rev string) (*object.Commit, error) {
	if rev == "" {
		return r.head()
	}
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve revision %s: %w", rev, err)
	}
	return r.repo.CommitObject(*hash)
}

func (r *GitRepository) RevisionContent(ctx context.Context, path, rev string) ([]byte, error) {
	rel, err := r.rel(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.commit(rev)
	if err != nil {
		return nil, err
	}
	f, err := c.File(rel)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s at %s: %w", rel, rev, err)
	}
	rd, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

func (r *GitRepository) Annotate(ctx context.Context, path, rev string) (*Annotation, error) {
	rel, err := r.rel(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.commit(rev)
	if err != nil {
		return nil, err
	}
	blame, err := git.Blame(c, rel)
	if err != nil {
		return nil, fmt.Errorf("failed to blame %s: %w", rel, err)
	}
	a := &Annotation{File: path, Lines: make([]AnnotatedLine, 0, len(blame.Lines))}
	for _, l := range blame.Lines {
		a.Lines = append(a.Lines, AnnotatedLine{
			Revision: l.Hash.String(),
			Author:   l.Author,
			Text:     l.Text,
		})
	}
	return a, nil
}

// Update pulls from origin. A repository without an origin remote is left
// alone.
func (r *GitRepository) Update(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.repo.Remote("origin"); err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return nil
		}
		return err
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to pull: %w", err)
	}
	return nil
}
