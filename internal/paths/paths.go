package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	programName = "stagebuild"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/stagebuild or ~/.cache/stagebuild/run
//	macOS:   ~/Library/Caches/stagebuild/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, programName)
	}
	return filepath.Join(xdg.CacheHome, programName, "run")
}

// Default path to the Unix domain socket of the build daemon.
//
//	Linux:   $XDG_RUNTIME_DIR/stagebuild/stagebuild.sock
//	macOS:   ~/Library/Caches/stagebuild/run/stagebuild.sock
func Socket() string {
	return filepath.Join(Runtime(), "stagebuild.sock")
}

// Default path to the daemon PID file.
//
//	Linux:   $XDG_RUNTIME_DIR/stagebuild/stagebuild.pid
//	macOS:   ~/Library/Caches/stagebuild/run/stagebuild.pid
func PIDFile() string {
	return filepath.Join(Runtime(), "stagebuild.pid")
}

// Path to the scratch directory for git checkouts and pending image layers.
//
// Entries are created per run and removed when the run ends.
//
//	Linux:   $XDG_CACHE_HOME/stagebuild/work
//	macOS:   ~/Library/Caches/stagebuild/work
func Work() string {
	return filepath.Join(xdg.CacheHome, programName, "work")
}
