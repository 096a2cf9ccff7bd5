package runtime

import (
	"context"
	"io"
	"path"
	"strings"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, dir string) error {
	return c.helper(ctx, execRequest{args: []string{"mkdir", "-p", dir}})
}

// Extracts the tar stream r into destDir inside the container.
//
// The stage image must provide tar.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.helper(ctx, execRequest{
		args:  []string{"tar", "-x", "-f", "-", "-C", destDir},
		stdin: r,
	})
}

// Streams the file or directory at p to w as a tar archive whose entries
// are rooted at the base name of p.
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	p = path.Clean(p)
	return c.helper(ctx, execRequest{
		args:   []string{"tar", "-c", "-f", "-", "-C", path.Dir(p), path.Base(p)},
		stdout: w,
	})
}

// Runs a utility that must succeed. A non-zero exit becomes an error
// carrying the tail of its standard error.
func (c *Container) helper(ctx context.Context, req execRequest) error {
	stderr := &tailBuffer{limit: stderrLimit}
	req.stderr = stderr

	code, err := c.exec(ctx, req)
	if err != nil {
		return err
	}
	if code != 0 {
		return wrapf(&exitError{code: code, stderr: strings.TrimSpace(stderr.String())}, "%s in %s", req.args[0], c.id)
	}
	return nil
}
