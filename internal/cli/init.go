package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/fc7/stagebuild/internal/manifest"
	"github.com/fc7/stagebuild/internal/paths"
	"github.com/pkg/errors"
)

// Represents the 'stagebuild init' command.
type InitCmd struct {
	File  string `short:"f" default:"${definition}" help:"Definition file to create." placeholder:"PATH"`
	Force bool   `help:"Overwrite an existing file."`
}

// Executes the init command.
//
// Writes the deduplicator pipeline as a starting point. An existing file is
// left alone unless --force is given.
func (c *InitCmd) Run(ctx context.Context) error {
	data, err := manifest.Default().Marshal()
	if err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !c.Force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(c.File, flags, paths.DefaultFileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return errors.Errorf("%s already exists, use --force to overwrite it", c.File)
		}
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	slog.Info("definition written", "path", c.File)
	return nil
}
