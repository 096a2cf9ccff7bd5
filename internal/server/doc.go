// Package server implements the stagebuild daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the stagebuild CLI. Each connection carries a single
// request-response exchange: the client sends a newline-delimited JSON
// envelope, the server dispatches the command, and writes the result back
// before closing the connection. Closing the connection early cancels the
// command.
//
// Supported commands are build, status and shutdown. Builds are delegated
// to a [Builder] and run one at a time. Stopping the server cancels the
// running build, and a second daemon refuses to start while the PID file
// names a live process.
//
// Example usage:
//
//	srv := server.New(server.Config{}, service.BuildService{Runtime: rt})
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
