// Package source resolves the project tree fed to the builder stage.
//
// A tree is either a local directory or a git repository cloned into a
// scratch directory and checked out at a fixed revision. Whichever form is
// declared, the result is a plain directory that is streamed into the build
// container as a tar archive. Exclude patterns follow .dockerignore
// semantics, and version control metadata is never sent.
//
// Example usage:
//
//	tree, err := source.Open(ctx, source.Spec{
//	    Git: &source.Git{URL: "https://example.com/project.git", Ref: "v1.2.0"},
//	}, paths.Work())
//	if err != nil {
//	    return err
//	}
//	defer tree.Close()
//
//	r := tree.Reader("src")
//	defer r.Close()
package source
