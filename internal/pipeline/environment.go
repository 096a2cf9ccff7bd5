package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Variables visible to the operations of a stage.
//
// Values are passed through verbatim; their syntax is the concern of the
// command that reads them.
type Environment map[string]string

// Returns a new environment with other overlaid on e. Neither input is
// modified.
func (e Environment) Merge(other Environment) Environment {
	merged := make(Environment, len(e)+len(other))
	maps.Copy(merged, e)
	maps.Copy(merged, other)
	return merged
}

// Returns the variable names in lexical order.
func (e Environment) Keys() []string {
	return slices.Sorted(maps.Keys(e))
}

// Formats the environment as sorted "key=value" strings suitable for
// passing to container exec.
func (e Environment) Environ() []string {
	env := make([]string, 0, len(e))
	for _, k := range e.Keys() {
		env = append(env, k+"="+e[k])
	}
	return env
}

// Checks that every name can be passed to a process environment.
func (e Environment) Validate() error {
	for _, k := range e.Keys() {
		if k == "" {
			return fmt.Errorf("empty variable name")
		}
		if strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("variable name %q contains '=' or NUL", k)
		}
	}
	return nil
}
