package pipeline

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/distribution/reference"
	"github.com/fc7/stagebuild/internal/source"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"mvdan.cc/sh/v3/syntax"
)

// Stage names used in container IDs, logs and errors.
const (
	BuilderStage   = "builder"
	AssemblerStage = "assembler"
)

// Package names that indicate a compiler toolchain. The assembler stage must
// not install any of them.
var toolchainPackages = []string{
	"build-essential",
	"cargo",
	"clang",
	"cmake",
	"g++",
	"gcc",
	"go",
	"golang",
	"llvm",
	"make",
	"musl-dev",
	"rust",
	"rustc",
	"rustup",
}

// Pipeline names become part of container IDs.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// Installs packages inside a stage.
type PackageManager string

const (
	PackageManagerApt PackageManager = "apt"
	PackageManagerApk PackageManager = "apk"
	PackageManagerDnf PackageManager = "dnf"
)

// Returns the shell command that installs pkgs with this package manager.
//
// Package names are shell-quoted, so a malformed name fails inside the
// package manager rather than altering the command.
func (pm PackageManager) InstallCommand(pkgs []string) (string, error) {
	quoted := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		q, err := syntax.Quote(p, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("package %q: %w", p, err)
		}
		quoted = append(quoted, q)
	}
	list := strings.Join(quoted, " ")

	switch pm {
	case PackageManagerApt, "":
		return "apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends " + list, nil
	case PackageManagerApk:
		return "apk add --no-cache " + list, nil
	case PackageManagerDnf:
		return "dnf install -y " + list, nil
	}
	return "", fmt.Errorf("unknown package manager %q", pm)
}

// An isolated execution context with its own base image.
type Stage struct {
	Base           ImageRef       // Base image the stage starts from.
	Workdir        string         // Absolute working directory.
	Packages       []string       // Packages installed during provisioning.
	PackageManager PackageManager // Empty means apt.
	Env            Environment    // Set after provisioning, visible to later operations.
}

// Build optimization mode.
type Mode string

const (
	ModeRelease Mode = "release"
	ModeDebug   Mode = "debug"
)

// Arguments appended to the build command per mode when none are declared.
var DefaultModeArgs = map[Mode][]string{
	ModeRelease: {"--release"},
	ModeDebug:   nil,
}

// The project's standard build invocation.
type Build struct {
	Command  []string          // Build command and arguments, without mode arguments.
	Mode     Mode              // Empty means release.
	ModeArgs map[Mode][]string // Overrides DefaultModeArgs when non-nil.
}

// Returns the effective mode.
func (b Build) EffectiveMode() Mode {
	if b.Mode == "" {
		return ModeRelease
	}
	return b.Mode
}

// Returns the full argument vector: the command followed by the mode
// arguments.
func (b Build) Args() []string {
	modeArgs := DefaultModeArgs
	if b.ModeArgs != nil {
		modeArgs = b.ModeArgs
	}
	return append(slices.Clone(b.Command), modeArgs[b.EffectiveMode()]...)
}

// A build output copied into the final image.
type Artifact struct {
	Path string // Path in the builder, relative to its workdir or absolute.
	Dest string // Absolute path in the final image.
}

// Returns the absolute path of the artifact inside the builder.
func (a Artifact) SourcePath(workdir string) string {
	if path.IsAbs(a.Path) {
		return path.Clean(a.Path)
	}
	return path.Join(workdir, a.Path)
}

// A fixed configuration file copied from the host into the final image.
type File struct {
	Source string // Host path.
	Dest   string // Absolute path in the final image.
}

// A complete two-stage pipeline.
//
// A definition is a plain value; running it never modifies it.
type Definition struct {
	Name       string      // Pipeline name, used as a container ID prefix.
	Source     source.Spec // Project tree fed to the builder.
	Builder    Stage       // Full-featured stage that compiles the project.
	Build      Build       // Build invocation run in the builder.
	Artifacts  []Artifact  // Outputs transferred to the assembler.
	Assembler  Stage       // Minimal stage hosting the artifacts.
	Files      []File      // Extra host files added to the final image.
	Entrypoint []string    // Image entrypoint. Empty means the first artifact.
	Tag        string      // Optional name to tag the final image with.
	Toolchain  []string    // Additional package names treated as toolchain.
}

// Reports whether pkg names one of the toolchain packages. Names compare
// case-insensitively, ignore an architecture qualifier ("gcc:arm64") and
// match versioned variants such as "gcc-12", "clang-16" or "llvm15".
func isToolchain(pkg string, toolchain []string) bool {
	pkg = strings.ToLower(strings.TrimSpace(pkg))
	pkg, _, _ = strings.Cut(pkg, ":")
	for _, t := range toolchain {
		rest, ok := strings.CutPrefix(pkg, strings.ToLower(t))
		if !ok {
			continue
		}
		if rest == "" || isVersionSuffix(strings.TrimPrefix(rest, "-")) {
			return true
		}
	}
	return false
}

// Reports whether s looks like a version number, e.g. "12" or "1.75".
func isVersionSuffix(s string) bool {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return false
	}
	return strings.Trim(s, "0123456789.") == ""
}

// Returns the entrypoint of the final image.
func (d *Definition) Entry() []string {
	if len(d.Entrypoint) > 0 {
		return d.Entrypoint
	}
	if len(d.Artifacts) > 0 {
		return []string{d.Artifacts[0].Dest}
	}
	return nil
}

// Checks the definition as a whole and reports every problem found.
//
// The returned error wraps [ErrInvalidDefinition].
func (d *Definition) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if !namePattern.MatchString(d.Name) {
		add("name %q must match %s", d.Name, namePattern)
	}

	if err := d.Source.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}

	d.validateStage(BuilderStage, d.Builder, add)
	d.validateStage(AssemblerStage, d.Assembler, add)

	if !d.Builder.Base.IsZero() && d.Builder.Base == d.Assembler.Base {
		add("assembler base image must differ from builder base image %s", d.Builder.Base)
	}

	toolchain := append(slices.Clone(toolchainPackages), d.Toolchain...)
	for _, p := range d.Assembler.Packages {
		if isToolchain(p, toolchain) {
			add("assembler must not install toolchain package %q", p)
		}
	}

	if len(d.Build.Command) == 0 {
		add("build command is empty")
	}
	if m := d.Build.EffectiveMode(); m != ModeRelease && m != ModeDebug {
		add("unknown build mode %q", m)
	}

	d.validateOutputs(add)

	if d.Tag != "" {
		if _, err := reference.ParseNormalizedNamed(d.Tag); err != nil {
			add("tag %q: %v", d.Tag, err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return errors.Wrap(ErrInvalidDefinition, err.Error())
	}
	return nil
}

func (d *Definition) validateStage(name string, s Stage, add func(string, ...any)) {
	if s.Base.IsZero() {
		add("%s: base image is required", name)
	}
	if !path.IsAbs(s.Workdir) || path.Clean(s.Workdir) == "/" {
		add("%s: workdir %q must be an absolute path below /", name, s.Workdir)
	}
	if err := s.Env.Validate(); err != nil {
		add("%s: env: %v", name, err)
	}
	if len(s.Packages) > 0 {
		if _, err := s.PackageManager.InstallCommand(s.Packages); err != nil {
			add("%s: %v", name, err)
		}
	}
}

func (d *Definition) validateOutputs(add func(string, ...any)) {
	if len(d.Artifacts) == 0 {
		add("at least one artifact is required")
	}

	dests := make(map[string]bool)
	claim := func(dest string) {
		if !path.IsAbs(dest) || path.Clean(dest) == "/" {
			add("destination %q must be an absolute path below /", dest)
			return
		}
		dest = path.Clean(dest)
		if dests[dest] {
			add("destination %q is used twice", dest)
		}
		dests[dest] = true
	}

	for _, a := range d.Artifacts {
		if a.Path == "" {
			add("artifact for %q has no path", a.Dest)
		}
		claim(a.Dest)
	}
	for _, f := range d.Files {
		if f.Source == "" {
			add("file for %q has no source", f.Dest)
		}
		claim(f.Dest)
	}
}
