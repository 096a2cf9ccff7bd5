package source

import (
	"context"
	"log/slog"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/moby/patternmatcher"
	"github.com/pkg/errors"
)

// Clones a repository into a fresh directory under workDir and checks out
// the requested ref.
//
// The clone directory is removed again if any step fails.
func openGit(ctx context.Context, g *Git, workDir string, matcher *patternmatcher.PatternMatcher) (*Tree, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}

	dir, err := os.MkdirTemp(workDir, "source-")
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}

	slog.Info("cloning source", "url", g.URL, "ref", g.Ref)

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL: g.URL,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrapf(ErrFetch, "clone %s: %v", g.URL, err)
	}

	revision, err := checkout(repo, g.Ref)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrapf(ErrFetch, "checkout %s: %v", g.Ref, err)
	}

	slog.Debug("source checked out", "dir", dir, "revision", revision)

	return &Tree{
		Dir:      dir,
		Revision: revision,
		matcher:  matcher,
		scratch:  dir,
	}, nil
}

// Checks out ref in the worktree and returns the resolved commit hash.
//
// An empty ref keeps the commit the clone landed on (the remote HEAD).
// Branch names are resolved against the remote-tracking refs because a fresh
// clone only has a local branch for the default branch.
func checkout(repo *git.Repository, ref string) (string, error) {
	if ref == "" {
		head, err := repo.Head()
		if err != nil {
			return "", err
		}
		return head.Hash().String(), nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		remote, remoteErr := repo.ResolveRevision(plumbing.Revision("refs/remotes/origin/" + ref))
		if remoteErr != nil {
			return "", err
		}
		hash = remote
	}

	w, err := repo.Worktree()
	if err != nil {
		return "", err
	}

	if err := w.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return "", err
	}

	return hash.String(), nil
}
