package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/moby/patternmatcher"
	"github.com/pkg/errors"
)

// Always excluded from the tree, regardless of the declared patterns.
var defaultExclude = []string{".git"}

// Declares where the project tree comes from. Exactly one field is set.
type Spec struct {
	Local *Local `json:"local,omitempty"`
	Git   *Git   `json:"git,omitempty"`
}

// A directory on the host.
type Local struct {
	Dir     string   `json:"dir"`
	Exclude []string `json:"exclude,omitempty"`
}

// A remote git repository.
type Git struct {
	URL     string   `json:"url"`
	Ref     string   `json:"ref,omitempty"` // Branch, tag or commit. Empty means the remote HEAD.
	Exclude []string `json:"exclude,omitempty"`
}

// Checks that exactly one source kind is declared and that it is complete.
func (s Spec) Validate() error {
	switch {
	case s.Local != nil && s.Git != nil:
		return errors.Wrap(ErrInvalidSpec, "both local and git are declared")
	case s.Local == nil && s.Git == nil:
		return errors.Wrap(ErrInvalidSpec, "neither local nor git is declared")
	case s.Local != nil && s.Local.Dir == "":
		return errors.Wrap(ErrInvalidSpec, "local source has no dir")
	case s.Git != nil && s.Git.URL == "":
		return errors.Wrap(ErrInvalidSpec, "git source has no url")
	}
	return nil
}

// Returns a short human-readable description of the source.
func (s Spec) String() string {
	switch {
	case s.Local != nil:
		return "local:" + s.Local.Dir
	case s.Git != nil && s.Git.Ref != "":
		return fmt.Sprintf("git:%s@%s", s.Git.URL, s.Git.Ref)
	case s.Git != nil:
		return "git:" + s.Git.URL
	}
	return "(none)"
}

func (s Spec) exclude() []string {
	var patterns []string
	switch {
	case s.Local != nil:
		patterns = s.Local.Exclude
	case s.Git != nil:
		patterns = s.Git.Exclude
	}
	return append(slices.Clone(defaultExclude), patterns...)
}

// A resolved project tree on the host filesystem.
type Tree struct {
	Dir      string // Root directory of the tree.
	Revision string // Commit hash for git sources, empty for local ones.

	matcher *patternmatcher.PatternMatcher
	scratch string // Directory removed on Close, empty for local sources.
}

// Resolves a source into a directory on the host.
//
// Local sources are used in place. Git sources are cloned into a fresh
// directory under workDir and checked out at the declared ref. The returned
// tree must be closed to release the checkout.
func Open(ctx context.Context, spec Spec, workDir string) (*Tree, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	matcher, err := patternmatcher.New(spec.exclude())
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSpec, "exclude patterns: %v", err)
	}

	if spec.Local != nil {
		return openLocal(spec.Local, matcher)
	}
	return openGit(ctx, spec.Git, workDir, matcher)
}

func openLocal(l *Local, matcher *patternmatcher.PatternMatcher) (*Tree, error) {
	dir, err := filepath.Abs(l.Dir)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSpec, err.Error())
	}

	// The walk does not descend into a symlinked root.
	dir, err = filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSpec, "local source: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSpec, "local source: %v", err)
	}
	if !info.IsDir() {
		return nil, errors.Wrapf(ErrInvalidSpec, "local source %s is not a directory", dir)
	}

	slog.Debug("using local source", "dir", dir)
	return &Tree{Dir: dir, matcher: matcher}, nil
}

// Removes the scratch checkout, if any.
func (t *Tree) Close() error {
	if t.scratch == "" {
		return nil
	}
	return os.RemoveAll(t.scratch)
}

// Reports whether a slash-separated path relative to the tree root is
// excluded.
func (t *Tree) Excluded(rel string) bool {
	if t.matcher == nil || rel == "." {
		return false
	}
	excluded, err := t.matcher.MatchesOrParentMatches(rel)
	return err == nil && excluded
}
