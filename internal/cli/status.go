package cli

import (
	"context"
	"fmt"

	"github.com/fc7/stagebuild/internal/protocol"
)

// Represents the 'stagebuild status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	var res protocol.StatusResult
	if err := protocol.Call(ctx, socketPath(), protocol.CmdStatus, nil, &res); err != nil {
		return err
	}

	fmt.Printf("version: %s\n", res.Version)
	fmt.Printf("pid:     %d\n", res.Pid)
	fmt.Printf("uptime:  %s\n", res.Uptime)
	fmt.Printf("builds:  %d\n", res.Builds)
	if res.Active != "" {
		fmt.Printf("active:  %s\n", res.Active)
	}
	return nil
}
