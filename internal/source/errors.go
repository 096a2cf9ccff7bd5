package source

import "errors"

var (
	ErrInvalidSpec = errors.New("invalid source")
	ErrFetch       = errors.New("source fetch failed")
	ErrArchive     = errors.New("source archive failed")
)
