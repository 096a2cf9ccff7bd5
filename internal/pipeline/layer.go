package pipeline

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// The append-only layer that carries artifacts into the final image.
//
// Entries are written to an uncompressed tar file on the host. Once sealed
// the layer rejects further writes with [ErrFinalization].
type layer struct {
	path    string
	f       *os.File
	tw      *tar.Writer
	dirs    map[string]bool // Directories already present in the layer.
	entries []string
	sealed  bool
}

// Creates an empty layer file in dir.
func newLayer(dir string) (*layer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "layer-*.tar")
	if err != nil {
		return nil, err
	}
	return &layer{
		path: f.Name(),
		f:    f,
		tw:   tar.NewWriter(f),
		dirs: make(map[string]bool),
	}, nil
}

// Copies the entries of a tar stream rooted at base into the layer, rooted
// at dest instead.
//
// The stream is the output of [Container.CopyFrom] for a path whose base
// name is base. Entries outside base are ignored. Returns the number of
// content bytes written, or [ErrArtifactNotFound] if the stream held no
// entry for base.
func (l *layer) addTree(r io.Reader, base, dest string) (int64, error) {
	if l.sealed {
		return 0, errors.Wrapf(ErrFinalization, "add %s", dest)
	}

	dest = strings.TrimPrefix(path.Clean(dest), "/")
	if err := l.addParents(dest); err != nil {
		return 0, err
	}

	var (
		found bool
		size  int64
	)
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return size, err
		}

		name, ok := rebase(h.Name, base, dest)
		if !ok {
			continue
		}
		found = true

		h.Name = name
		if h.Typeflag == tar.TypeDir {
			h.Name += "/"
			l.dirs[name] = true
		}
		if h.Typeflag == tar.TypeLink {
			if link, ok := rebase(h.Linkname, base, dest); ok {
				h.Linkname = link
			}
		}

		if err := l.tw.WriteHeader(h); err != nil {
			return size, err
		}
		n, err := io.Copy(l.tw, tr)
		size += n
		if err != nil {
			return size, err
		}
		l.entries = append(l.entries, name)
	}

	if !found {
		return 0, errors.Wrapf(ErrArtifactNotFound, "no %s entry in copied stream", base)
	}
	return size, nil
}

// Adds a regular host file to the layer at dest.
func (l *layer) addFile(hostPath, dest string) error {
	if l.sealed {
		return errors.Wrapf(ErrFinalization, "add %s", dest)
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return errors.Errorf("%s is not a regular file", hostPath)
	}

	dest = strings.TrimPrefix(path.Clean(dest), "/")
	if err := l.addParents(dest); err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = dest
	header.Uid, header.Gid = 0, 0
	header.Uname, header.Gname = "", ""

	if err := l.tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(l.tw, f); err != nil {
		return err
	}
	l.entries = append(l.entries, dest)
	return nil
}

// Writes directory entries for every missing parent of name.
func (l *layer) addParents(name string) error {
	dir := path.Dir(name)
	if dir == "." || l.dirs[dir] {
		return nil
	}
	if err := l.addParents(dir); err != nil {
		return err
	}
	l.dirs[dir] = true
	return l.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     dir + "/",
		Mode:     0755,
	})
}

// Closes the layer for writing. Sealing twice is an error.
func (l *layer) seal() error {
	if l.sealed {
		return errors.Wrap(ErrFinalization, "layer already sealed")
	}
	l.sealed = true
	if err := l.tw.Close(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// Removes the layer file.
func (l *layer) discard() {
	if !l.sealed {
		l.f.Close()
	}
	os.Remove(l.path)
}

// Maps an archive entry name rooted at base onto dest.
//
// Returns false when name is not base itself or below it.
func rebase(name, base, dest string) (string, bool) {
	name = strings.TrimSuffix(strings.TrimPrefix(name, "./"), "/")
	if name == base {
		return dest, true
	}
	if rest, ok := strings.CutPrefix(name, base+"/"); ok {
		return path.Join(dest, rest), true
	}
	return "", false
}
