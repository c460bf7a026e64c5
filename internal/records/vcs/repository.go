// Package vcs records every change to the record files as a git commit.
// Reverting a commit is how a saga takes a change back out of history
// without rewriting it.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

var (
	ErrCommitNotFound = errors.New("commit not found in history")
	// ErrRevertConflict means a later commit touched the same files, so
	// restoring the parent content would discard someone else's change.
	ErrRevertConflict = errors.New("revert conflicts with a later commit")
)

// Author is the identity used for commits made by the platform.
type Author struct {
	Name  string
	Email string
}

// Commit is one entry of the repository history.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
}

// Repository serialises all worktree operations; go-git's worktree and
// index are not safe for concurrent use.
type Repository struct {
	mu     sync.Mutex
	repo   *git.Repository
	author Author
	now    func() time.Time
}

// Open opens the repository at dir, initialising it on first use.
func Open(dir string, author Author) (*Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vcs: create %s: %w", dir, err)
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("vcs: open %s: %w", dir, err)
	}

	return &Repository{repo: repo, author: author, now: time.Now}, nil
}

// Commit stages paths as they are in the worktree (deleted files are
// staged as removals) and commits them. Committing an unchanged tree still
// produces a commit so every saga has a hash to revert.
func (r *Repository) Commit(ctx context.Context, paths []string, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("vcs: worktree: %w", err)
	}
	if err := stage(wt, paths); err != nil {
		return "", err
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            r.signature(),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("vcs: commit: %w", err)
	}
	return hash.String(), nil
}

// Revert creates a new commit restoring the files changed by hash to their
// content before it. Reverting a commit that was already reverted is a
// no-op and returns an empty hash.
func (r *Repository) Revert(ctx context.Context, hash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return "", fmt.Errorf("vcs: %s: %w", hash, ErrCommitNotFound)
	}

	paths, err := changedPaths(ctx, target)
	if err != nil {
		return "", err
	}

	reverted, err := r.checkDescendants(ctx, target, paths)
	if err != nil {
		return "", err
	}
	if reverted {
		return "", nil
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("vcs: worktree: %w", err)
	}

	var parent *object.Commit
	if target.NumParents() > 0 {
		if parent, err = target.Parent(0); err != nil {
			return "", fmt.Errorf("vcs: parent of %s: %w", hash, err)
		}
	}

	for _, p := range paths {
		if err := restore(wt, parent, p); err != nil {
			return "", err
		}
	}
	if err := stage(wt, paths); err != nil {
		return "", err
	}

	subject, _, _ := strings.Cut(target.Message, "\n")
	msg := fmt.Sprintf("Revert %q\n\n%s", subject, revertTrailer(target.Hash.String()))
	newHash, err := wt.Commit(msg, &git.CommitOptions{
		Author:            r.signature(),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("vcs: commit revert of %s: %w", hash, err)
	}
	return newHash.String(), nil
}

// History lists commits from HEAD backwards. limit <= 0 means all.
func (r *Repository) History(ctx context.Context, limit int) ([]Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vcs: head: %w", err)
	}

	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("vcs: log: %w", err)
	}
	defer iter.Close()

	var out []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out = append(out, Commit{
			Hash:    c.Hash.String(),
			Message: c.Message,
			Author:  c.Author.Name,
			When:    c.Author.When,
		})
		if limit > 0 && len(out) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vcs: log: %w", err)
	}
	return out, nil
}

// checkDescendants walks from HEAD down to target. It reports whether target
// was already reverted, and fails if a commit in between touched paths.
func (r *Repository) checkDescendants(ctx context.Context, target *object.Commit, paths []string) (bool, error) {
	head, err := r.repo.Head()
	if err != nil {
		return false, fmt.Errorf("vcs: head: %w", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return false, fmt.Errorf("vcs: log: %w", err)
	}
	defer iter.Close()

	trailer := revertTrailer(target.Hash.String())
	var (
		found    bool
		reverted bool
		conflict *object.Commit
	)
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == target.Hash {
			found = true
			return storer.ErrStop
		}
		if strings.Contains(c.Message, trailer) {
			reverted = true
			return nil
		}
		if conflict != nil {
			return nil
		}
		touched, err := changedPaths(ctx, c)
		if err != nil {
			return err
		}
		if overlaps(touched, paths) {
			conflict = c
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("vcs: %s is not reachable from HEAD: %w", target.Hash, ErrCommitNotFound)
	}
	if reverted {
		return true, nil
	}
	if conflict != nil {
		return false, fmt.Errorf("vcs: %s touched by %s: %w", target.Hash, conflict.Hash, ErrRevertConflict)
	}
	return false, nil
}

func (r *Repository) signature() *object.Signature {
	return &object.Signature{Name: r.author.Name, Email: r.author.Email, When: r.now()}
}

func stage(wt *git.Worktree, paths []string) error {
	for _, p := range paths {
		_, err := wt.Filesystem.Lstat(p)
		switch {
		case err == nil:
			if _, err := wt.Add(p); err != nil {
				return fmt.Errorf("vcs: add %s: %w", p, err)
			}
		case os.IsNotExist(err):
			if _, err := wt.Remove(p); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return fmt.Errorf("vcs: remove %s: %w", p, err)
			}
		default:
			return fmt.Errorf("vcs: stat %s: %w", p, err)
		}
	}
	return nil
}

// restore puts p back to its content in parent, deleting it when parent
// did not have it.
func restore(wt *git.Worktree, parent *object.Commit, p string) error {
	if parent != nil {
		f, err := parent.File(p)
		if err == nil {
			content, err := f.Contents()
			if err != nil {
				return fmt.Errorf("vcs: read %s: %w", p, err)
			}
			if err := util.WriteFile(wt.Filesystem, p, []byte(content), 0o644); err != nil {
				return fmt.Errorf("vcs: restore %s: %w", p, err)
			}
			return nil
		}
		if !errors.Is(err, object.ErrFileNotFound) {
			return fmt.Errorf("vcs: lookup %s: %w", p, err)
		}
	}
	if err := wt.Filesystem.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vcs: remove %s: %w", p, err)
	}
	return nil
}

func changedPaths(ctx context.Context, c *object.Commit) ([]string, error) {
	stats, err := c.StatsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("vcs: stats of %s: %w", c.Hash, err)
	}
	paths := make([]string, 0, len(stats))
	for _, s := range stats {
		// Renames are reported as "old => new".
		if from, to, ok := strings.Cut(s.Name, " => "); ok {
			paths = append(paths, from, to)
			continue
		}
		paths = append(paths, s.Name)
	}
	return paths, nil
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func revertTrailer(hash string) string {
	return "This reverts commit " + hash + "."
}
