package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (

	// Program name, used for the CLI name, socket and directory names.
	Name = "stagebuild"

	undefined  = "(undefined)"
	localBuild = "(local)"

	// Branch whose builds carry no stage suffix in the version string.
	releaseBranch = "main"
)

// Set with -ldflags "-X github.com/fc7/stagebuild/internal.<name>=<value>".
var (
	version   = "" // Release version, e.g. "1.2.3" or "v1.2.3".
	stage     = "" // Branch the binary was built from.
	gitCommit = "" // Commit hash.

	rawQuiet   = "false"
	rawDebug   = "false"
	rawVerbose = "false"
	rawJSON    = "false"
)

// Returns the release version without a leading "v".
//
// Binaries installed with "go install module@version" carry no linker
// flags; their module version is used instead. Returns "(undefined)" when
// neither is known.
func Version() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = moduleVersion()
	}
	if v == "" {
		return undefined
	}
	return strings.TrimPrefix(strings.ToLower(v), "v")
}

// Returns the branch the binary was built from, or "(undefined)".
func Stage() string {
	if s := strings.TrimSpace(stage); s != "" {
		return strings.ToLower(s)
	}
	return undefined
}

// Returns the commit hash the binary was built from.
//
// Falls back to the VCS revision stamped by the Go toolchain, then to
// "(undefined)".
func GitCommit() string {
	if c := strings.TrimSpace(gitCommit); c != "" {
		return c
	}
	if c := vcsRevision(); c != "" {
		return c
	}
	return undefined
}

// Returns the architecture the binary runs on.
func Arch() string {
	return runtime.GOARCH
}

// Returns true if the binary was neither released through the pipeline nor
// installed from a module version.
func IsLocal() bool {
	released := strings.TrimSpace(version) != "" &&
		strings.TrimSpace(gitCommit) != "" &&
		strings.TrimSpace(stage) != ""
	return !released && moduleVersion() == ""
}

// Returns "<version>[+<stage>] <commit> [<arch>]", or "(local)" for local
// builds.
func VersionString() string {
	if IsLocal() {
		return localBuild
	}

	suffix := ""
	if s := Stage(); s != releaseBranch && s != undefined {
		suffix = "+" + s
	}
	return fmt.Sprintf("%s%s %s [%s]", Version(), suffix, GitCommit(), Arch())
}

func moduleVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return ""
	}
	return info.Main.Version
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
