// Parses flags, configures logging and runs stagebuild subcommands.
//
// Global flags:
//
//	-q, --quiet               Suppress informational output.
//	-v, --verbose             Enable verbose output.
//	-d, --debug               Enable debug output.
//	    --json                Emit logs as JSON.
//	    --containerd-address  Containerd socket ($STAGEBUILD_CONTAINERD_ADDRESS).
//	    --namespace           Containerd namespace ($STAGEBUILD_NAMESPACE).
//	    --snapshotter         Snapshotter for stage containers ($STAGEBUILD_SNAPSHOTTER).
//	-s, --socket              Daemon socket path ($STAGEBUILD_SOCKET).
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is replaced to reflect the final level and format before the
// subcommand runs.
//
// The build command runs in-process by default. With --daemon it sends the
// request to a daemon started with the serve command.
package cli
