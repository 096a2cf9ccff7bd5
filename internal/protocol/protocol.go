package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Name of a daemon command or response kind.
type Command string

const (
	CmdBuild    Command = "build"
	CmdStatus   Command = "status"
	CmdShutdown Command = "shutdown"
	CmdOK       Command = "ok"
	CmdError    Command = "error"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// Wire format of every message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Requests a pipeline run.
type BuildRequest struct {
	Definition string `json:"definition"`            // Absolute path of the pipeline definition file.
	Output     string `json:"output"`                // Absolute output directory.
	Platform   string `json:"platform,omitempty"`    // Target platform. Empty uses the daemon host's.
	KeepStages bool   `json:"keep_stages,omitempty"` // Keep stage containers after success.
}

// Outcome of a finalized run.
type BuildResult struct {
	Run    string `json:"run"`
	Image  string `json:"image"`
	Digest string `json:"digest"`
	Tag    string `json:"tag,omitempty"`
	Size   int64  `json:"size"`
	Record string `json:"record,omitempty"`
}

// Daemon state.
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"`
	Active  string `json:"active,omitempty"` // Definition currently building, if any.
}

// Failure of a command.
type ErrorResult struct {
	Message  string `json:"message"`
	Stage    string `json:"stage,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Record   string `json:"record,omitempty"`
}

func (e *ErrorResult) Error() string {
	return e.Message
}

// Encodes a command and its payload as an envelope. A nil payload is
// omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidPayload, "%s: %v", cmd, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decodes an envelope and returns it together with its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, errors.Wrap(ErrInvalidEnvelope, err.Error())
	}
	if env.Command == "" {
		return nil, nil, errors.Wrap(ErrInvalidEnvelope, "missing command")
	}
	return &env, env.Payload, nil
}

func decodeInto(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return nil
}

// Decodes a payload into T. An empty payload is an error.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	if len(payload) == 0 {
		return nil, errors.Wrap(ErrInvalidPayload, "missing payload")
	}
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return &v, nil
}
