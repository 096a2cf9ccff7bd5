package source

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Streams the tree as a tar archive rooted at prefix.
//
// The archive is produced by a background goroutine writing into a pipe, so
// it can be fed straight into a container without touching disk. Errors from
// the walk surface on the reader side. The caller must close the reader.
func (t *Tree) Reader(prefix string) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		err := t.WriteTar(tw, prefix)
		if closeErr := tw.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	return pr
}

// Writes every non-excluded entry of the tree to tw under prefix.
//
// Excluded directories are pruned unless the patterns contain re-inclusions
// ("!pattern"), in which case they are walked and filtered entry by entry.
func (t *Tree) WriteTar(tw *tar.Writer, prefix string) error {
	err := filepath.WalkDir(t.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(t.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if t.Excluded(rel) {
			if d.IsDir() && !t.matcher.Exclusions() {
				return filepath.SkipDir
			}
			return nil
		}

		name := filepath.ToSlash(filepath.Join(prefix, rel))
		return writeTarEntry(tw, path, name, d)
	})
	if err != nil {
		return errors.Wrap(ErrArchive, err.Error())
	}
	return nil
}

// Writes a single file, directory or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}
