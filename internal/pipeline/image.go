package pipeline

import (
	"strings"

	"github.com/distribution/reference"
	"github.com/pkg/errors"
)

// Prefix marking a base image given as a local OCI archive.
const archivePrefix = "oci-archive:"

// Names an immutable, versioned base image.
//
// Exactly one of Name and Archive is set. Name is a fully normalized registry
// reference carrying a tag or a digest; Archive is the path of a local OCI
// archive.
type ImageRef struct {
	Name    string
	Archive string
}

// Parses a base image reference.
//
// Strings of the form "oci-archive:<path>" or ending in ".tar" name a local
// OCI archive. Anything else must be a registry reference with an explicit
// tag or digest; a bare name such as "debian" is rejected because it does
// not pin a version.
func ParseImageRef(s string) (ImageRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ImageRef{}, errors.Wrap(ErrInvalidImageRef, "empty reference")
	}

	if path, ok := strings.CutPrefix(s, archivePrefix); ok {
		if path == "" {
			return ImageRef{}, errors.Wrapf(ErrInvalidImageRef, "%q has no archive path", s)
		}
		return ImageRef{Archive: path}, nil
	}
	if strings.HasSuffix(s, ".tar") {
		return ImageRef{Archive: s}, nil
	}

	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return ImageRef{}, errors.Wrapf(ErrInvalidImageRef, "%q: %v", s, err)
	}

	_, tagged := named.(reference.Tagged)
	_, digested := named.(reference.Digested)
	if !tagged && !digested {
		return ImageRef{}, errors.Wrapf(ErrInvalidImageRef, "%q has no tag or digest", s)
	}

	return ImageRef{Name: named.String()}, nil
}

// Must variant of [ParseImageRef] for fixed, known-good references.
func MustParseImageRef(s string) ImageRef {
	ref, err := ParseImageRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r ImageRef) String() string {
	if r.Archive != "" {
		return archivePrefix + r.Archive
	}
	return r.Name
}

// Reports whether the reference names a local OCI archive.
func (r ImageRef) IsArchive() bool {
	return r.Archive != ""
}

// Reports whether the reference is unset.
func (r ImageRef) IsZero() bool {
	return r.Name == "" && r.Archive == ""
}
