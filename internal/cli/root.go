package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fc7/stagebuild/internal"
	"github.com/fc7/stagebuild/internal/manifest"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Represents the root command for stagebuild.
var RootCmd struct {
	Quiet   bool `short:"q" help:"Suppress informational output."`
	Verbose bool `short:"v" help:"Enable verbose output."`
	Debug   bool `short:"d" help:"Enable debug output."`
	JSON    bool `name:"json" help:"Emit logs as JSON."`

	ContainerdAddress string `name:"containerd-address" env:"STAGEBUILD_CONTAINERD_ADDRESS" default:"/run/containerd/containerd.sock" help:"Containerd socket address." placeholder:"PATH"`
	Namespace         string `env:"STAGEBUILD_NAMESPACE" default:"stagebuild" help:"Containerd namespace."`
	Snapshotter       string `env:"STAGEBUILD_SNAPSHOTTER" default:"${snapshotter}" help:"Snapshotter for stage containers."`
	Socket            string `short:"s" env:"STAGEBUILD_SOCKET" help:"Override the default daemon socket path." placeholder:"PATH"`

	Build    BuildCmd    `cmd:"" help:"Run a pipeline."`
	Validate ValidateCmd `cmd:"" help:"Check a pipeline definition and print its plan."`
	Init     InitCmd     `cmd:"" help:"Write a starter pipeline definition."`
	Serve    ServeCmd    `cmd:"" help:"Run the build daemon."`
	Status   StatusCmd   `cmd:"" help:"Query the build daemon."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds minimal container images in two stages.\n\nA full toolchain image compiles the project; only the declared artifacts are\ncopied into a slim runtime image, which is exported as an OCI archive."),
		kong.UsageOnError(),
		kong.Vars{
			"version":     internal.VersionString(),
			"snapshotter": defaultSnapshotter,
			"definition":  manifest.DefaultFile,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())
	internal.SetJSON(RootCmd.JSON || internal.IsJSON())

	slog.SetDefault(NewLogger(os.Stderr, Level(), internal.IsJSON()))
}

// Returns the log level implied by the debug and quiet settings.
func Level() slog.Level {
	if internal.IsDebug() {
		return slog.LevelDebug
	}
	if internal.IsQuiet() {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// Creates a logger writing to w.
//
// JSON output is meant for log collectors. Otherwise records are rendered
// by tint, colored only when w is a terminal.
func NewLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {
	if json {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		AddSource:  internal.IsVerbose(),
		NoColor:    !isTerminal(w),
	}))
}

// Whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
