package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fc7/stagebuild/internal/manifest"
	"github.com/fc7/stagebuild/internal/pipeline"
)

// Represents the 'stagebuild validate' command.
type ValidateCmd struct {
	File string `short:"f" default:"${definition}" help:"Pipeline definition file." placeholder:"PATH"`
}

// Executes the validate command.
//
// Loads the definition, applies defaults and prints the resulting plan.
// Nothing is contacted: image references are checked for form only.
func (c *ValidateCmd) Run(ctx context.Context) error {
	p, err := manifest.Load(c.File)
	if err != nil {
		return err
	}
	def, err := p.Definition()
	if err != nil {
		return err
	}
	return writePlan(os.Stdout, def)
}

// Writes a human readable summary of def to w.
func writePlan(w io.Writer, def *pipeline.Definition) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "pipeline\t%s\n", def.Name)
	fmt.Fprintf(tw, "source\t%s\n", def.Source)
	writeStage(tw, pipeline.BuilderStage, def.Builder)
	fmt.Fprintf(tw, "build\t%s (%s)\n", strings.Join(def.Build.Args(), " "), def.Build.EffectiveMode())
	for _, a := range def.Artifacts {
		fmt.Fprintf(tw, "artifact\t%s -> %s\n", a.SourcePath(def.Builder.Workdir), a.Dest)
	}
	writeStage(tw, pipeline.AssemblerStage, def.Assembler)
	for _, f := range def.Files {
		fmt.Fprintf(tw, "file\t%s -> %s\n", f.Source, f.Dest)
	}
	fmt.Fprintf(tw, "entrypoint\t%s\n", strings.Join(def.Entry(), " "))
	if def.Tag != "" {
		fmt.Fprintf(tw, "tag\t%s\n", def.Tag)
	}

	return tw.Flush()
}

func writeStage(w io.Writer, name string, s pipeline.Stage) {
	fmt.Fprintf(w, "%s\t%s\n", name, s.Base)
	fmt.Fprintf(w, "  workdir\t%s\n", s.Workdir)
	if len(s.Packages) > 0 {
		fmt.Fprintf(w, "  packages\t%s\n", strings.Join(s.Packages, " "))
	}
	for _, k := range s.Env.Keys() {
		fmt.Fprintf(w, "  env\t%s=%s\n", k, s.Env[k])
	}
}
