package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Filename of the run record inside the output directory.
const RecordFilename = "build.json"

// Persisted summary of a run.
//
// The record is written for finalized and aborted runs alike, so that the
// environment an artifact was built with can be audited even when no image
// was produced.
type Record struct {
	Run       string            `json:"run"`
	Pipeline  string            `json:"pipeline"`
	State     State             `json:"state"`
	Platform  string            `json:"platform"`
	Source    string            `json:"source"`
	Revision  string            `json:"revision,omitempty"`
	Builder   string            `json:"builder"`
	Assembler string            `json:"assembler"`
	Mode      Mode              `json:"mode"`
	Command   []string          `json:"command"`
	Env       map[string]string `json:"env,omitempty"`
	Artifacts []ArtifactRecord  `json:"artifacts,omitempty"`
	Image     *Image            `json:"image,omitempty"`
	History   []Transition      `json:"history"`
	Timings   []Timing          `json:"timings"`
	Error     *RecordError      `json:"error,omitempty"`
}

// Failure details of an aborted run.
type RecordError struct {
	Message  string `json:"message"`
	Stage    string `json:"stage,omitempty"`
	Op       string `json:"op,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Returns the record describing the run in its current state.
func (r *Run) Snapshot() *Record {
	def := r.Definition
	rec := &Record{
		Run:       r.ID,
		Pipeline:  def.Name,
		State:     r.State(),
		Platform:  r.Platform,
		Source:    def.Source.String(),
		Revision:  r.Revision,
		Builder:   def.Builder.Base.String(),
		Assembler: def.Assembler.Base.String(),
		Mode:      def.Build.EffectiveMode(),
		Command:   def.Build.Args(),
		Env:       def.Builder.Env,
		Artifacts: r.Artifacts,
		Image:     r.Image,
		History:   r.History(),
		Timings:   r.Timings(),
	}
	if r.Err != nil {
		rec.Error = &RecordError{Message: r.Err.Error()}
		var se *StageError
		if errors.As(r.Err, &se) {
			rec.Error.Stage = se.Stage
			rec.Error.Op = se.Op
			rec.Error.ExitCode = se.ExitCode
			rec.Error.Stderr = se.Stderr
		}
	}
	return rec
}

// Writes rec to dir, replacing any earlier record atomically.
func writeRecord(dir string, rec *Record) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')

	path := filepath.Join(dir, RecordFilename)
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}
