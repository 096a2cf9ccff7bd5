package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default definition file name.
const DefaultFile = "stagebuild.yaml"

var ErrLoad = errors.New("cannot load definition")

// A pipeline definition file.
type Pipeline struct {
	Name       string     `yaml:"name"`
	Source     Source     `yaml:"source,omitempty"`
	Builder    Stage      `yaml:"builder"`
	Build      Build      `yaml:"build"`
	Artifacts  []Artifact `yaml:"artifacts"`
	Assembler  Stage      `yaml:"assembler"`
	Files      []File     `yaml:"files,omitempty"`
	Entrypoint Command    `yaml:"entrypoint,omitempty"`
	Tag        string     `yaml:"tag,omitempty"`
	Toolchain  []string   `yaml:"toolchain,omitempty"`

	dir string // Directory relative host paths are resolved against.
}

// Where the project tree comes from. At most one field is set; none means
// the directory holding the definition file.
type Source struct {
	Local *Local `yaml:"local,omitempty"`
	Git   *Git   `yaml:"git,omitempty"`
}

type Local struct {
	Dir     string   `yaml:"dir"`
	Exclude []string `yaml:"exclude,omitempty"`
}

type Git struct {
	URL     string   `yaml:"url"`
	Ref     string   `yaml:"ref,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// A stage declaration.
type Stage struct {
	Image          string            `yaml:"image"`
	Workdir        string            `yaml:"workdir,omitempty"`
	Packages       []string          `yaml:"packages,omitempty"`
	PackageManager string            `yaml:"package_manager,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	EnvFile        string            `yaml:"env_file,omitempty"` // Dotenv file merged under Env.
}

// The build invocation.
type Build struct {
	Command  Command            `yaml:"command"`
	Mode     string             `yaml:"mode,omitempty"`
	ModeArgs map[string]Command `yaml:"mode_args,omitempty"`
}

type Artifact struct {
	Path string `yaml:"path"`
	Dest string `yaml:"dest,omitempty"` // Defaults to the base name under the assembler workdir.
}

type File struct {
	Source string `yaml:"source"`
	Dest   string `yaml:"dest"`
}

// An argument vector, written either as a YAML list or as a single string
// split with shell quoting rules.
type Command []string

func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		args, err := shlex.Split(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: command %q: %w", value.Line, value.Value, err)
		}
		*c = args
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := value.Decode(&args); err != nil {
			return err
		}
		*c = args
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", value.Line)
}

// Reads and decodes the definition file at path.
func Load(path string) (*Pipeline, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(ErrLoad, err.Error())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrap(ErrLoad, err.Error())
	}
	p, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, errors.Wrapf(err, "%s", abs)
	}
	return p, nil
}

// Decodes a definition. Relative host paths are resolved against dir.
//
// Decoding is strict: unknown keys and trailing documents are errors.
func Parse(data []byte, dir string) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		if err == io.EOF {
			return nil, errors.Wrap(ErrLoad, "empty definition")
		}
		return nil, errors.Wrap(ErrLoad, err.Error())
	}

	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, errors.Wrap(ErrLoad, "more than one document")
	}

	p.dir = dir
	return &p, nil
}

// Encodes the definition as YAML.
func (p *Pipeline) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Returns the directory relative host paths are resolved against.
func (p *Pipeline) Dir() string {
	return p.dir
}

// Resolves a host path against the definition directory.
func (p *Pipeline) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.dir, path)
}
