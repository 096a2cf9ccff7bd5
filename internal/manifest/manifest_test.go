package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fc7/stagebuild/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

const deduplicatorYAML = `
name: deduplicator
source:
  local: { dir: ., exclude: [target] }
builder:
  image: docker.io/library/rust:1.83-bookworm
  workdir: /usr/src/deduplicator
  packages: [pkg-config, libssl-dev]
  env: { RUSTFLAGS: "-C target-feature=+aes,+sse2" }
  env_file: build.env
build:
  command: cargo build --locked
  mode: release
artifacts:
  - { path: target/release/deduplicator, dest: /app/deduplicator }
assembler:
  image: debian:bookworm-slim
files:
  - { source: config/default.toml, dest: /etc/deduplicator/config.toml }
tag: deduplicator:latest
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, DefaultFile), deduplicatorYAML)
	writeFile(t, filepath.Join(dir, "build.env"), "CARGO_TERM_COLOR=never\nRUSTFLAGS=ignored\n")

	p, err := Load(filepath.Join(dir, DefaultFile))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Dir() != dir {
		t.Fatalf("Dir() = %q, want %q", p.Dir(), dir)
	}

	def, err := p.Definition()
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}

	if def.Source.Local == nil || def.Source.Local.Dir != dir {
		t.Fatalf("source = %v, want local %s", def.Source, dir)
	}
	if diff := cmp.Diff([]string{"cargo", "build", "--locked", "--release"}, def.Build.Args()); diff != "" {
		t.Fatalf("build args mismatch (-want +got):\n%s", diff)
	}

	wantEnv := pipeline.Environment{"CARGO_TERM_COLOR": "never", "RUSTFLAGS": "-C target-feature=+aes,+sse2"}
	if diff := cmp.Diff(wantEnv, def.Builder.Env); diff != "" {
		t.Fatalf("builder env mismatch (-want +got):\n%s", diff)
	}

	if def.Assembler.Workdir != "/app" {
		t.Fatalf("assembler workdir = %q, want /app", def.Assembler.Workdir)
	}
	if def.Assembler.Base.Name != "docker.io/library/debian:bookworm-slim" {
		t.Fatalf("assembler base = %v", def.Assembler.Base)
	}
	if got := def.Files[0].Source; got != filepath.Join(dir, "config/default.toml") {
		t.Fatalf("file source = %q, want it resolved against %s", got, dir)
	}
}

func TestParseCommandList(t *testing.T) {
	p, err := Parse([]byte("build:\n  command: [cargo, build, --features, \"simd aes\"]\n"), "/src")
	if err != nil {
		t.Fatal(err)
	}
	want := Command{"cargo", "build", "--features", "simd aes"}
	if diff := cmp.Diff(want, p.Build.Command); diff != "" {
		t.Fatalf("command mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCommandString(t *testing.T) {
	p, err := Parse([]byte(`build: { command: "cargo build --features 'simd aes'" }`), "/src")
	if err != nil {
		t.Fatal(err)
	}
	want := Command{"cargo", "build", "--features", "simd aes"}
	if diff := cmp.Diff(want, p.Build.Command); diff != "" {
		t.Fatalf("command mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, in string
	}{
		{"empty", ""},
		{"unknown key", "name: x\nbuilder: { image: a:1, shell: bash }\n"},
		{"two documents", "name: a\n---\nname: b\n"},
		{"command map", "build: { command: { run: x } }\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.in), "/src"); !errors.Is(err, ErrLoad) {
				t.Fatalf("err = %v, want ErrLoad", err)
			}
		})
	}
}

func TestDefinitionDefaults(t *testing.T) {
	in := `
name: tool
builder: { image: "golang:1.23" }
build: { command: go build -o out/tool . }
artifacts: [{ path: out/tool }]
assembler: { image: "gcr.io/distroless/static:nonroot" }
`
	p, err := Parse([]byte(in), "/work/tool")
	if err != nil {
		t.Fatal(err)
	}
	def, err := p.Definition()
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}

	if def.Source.Local == nil || def.Source.Local.Dir != "/work/tool" {
		t.Fatalf("source = %v, want the definition directory", def.Source)
	}
	if def.Builder.Workdir != "/usr/src/tool" {
		t.Fatalf("builder workdir = %q, want /usr/src/tool", def.Builder.Workdir)
	}
	if def.Artifacts[0].Dest != "/app/tool" {
		t.Fatalf("artifact dest = %q, want /app/tool", def.Artifacts[0].Dest)
	}
	if def.Build.EffectiveMode() != pipeline.ModeRelease {
		t.Fatalf("mode = %q, want release", def.Build.EffectiveMode())
	}
}

func TestDefinitionInvalid(t *testing.T) {
	in := `
name: tool
builder: { image: golang }
build: { command: go build }
artifacts: [{ path: tool }]
assembler: { env_file: missing.env }
`
	p, err := Parse([]byte(in), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Definition()
	if !errors.Is(err, pipeline.ErrInvalidDefinition) {
		t.Fatalf("err = %v, want ErrInvalidDefinition", err)
	}
	for _, want := range []string{"builder:", "assembler: image is required", "env_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %q, want it to mention %q", err, want)
		}
	}
}

func TestDefaultIsValid(t *testing.T) {
	def, err := Default().In(t.TempDir()).Definition()
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if def.Builder.Env["RUSTFLAGS"] != "-C target-feature=+aes,+sse2" {
		t.Fatalf("RUSTFLAGS = %q", def.Builder.Env["RUSTFLAGS"])
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	p, err := Parse(data, "/src")
	if err != nil {
		t.Fatalf("Parse(Marshal(Default())): %v\n%s", err, data)
	}
	if diff := cmp.Diff(Default(), p, cmp.AllowUnexported(Pipeline{})); diff == "" {
		t.Fatal("dir not applied")
	}
	if diff := cmp.Diff(Default().In("/src"), p, cmp.AllowUnexported(Pipeline{})); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
