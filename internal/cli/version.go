package cli

import (
	"context"
	"fmt"

	"github.com/fc7/stagebuild/internal"
)

// Represents the 'stagebuild version' command.
type VersionCmd struct{}

// Executes the version command.
func (c *VersionCmd) Run(ctx context.Context) error {
	fmt.Println(internal.VersionString())
	return nil
}
