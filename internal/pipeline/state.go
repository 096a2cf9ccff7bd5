package pipeline

import (
	"time"

	"github.com/pkg/errors"
)

// Pipeline run state.
type State string

const (
	StateInit                  State = "init"
	StateProvisioningBuilder   State = "provisioning-builder"
	StateBuilding              State = "building"
	StateArtifactReady         State = "artifact-ready"
	StateProvisioningAssembler State = "provisioning-assembler"
	StateCopyingArtifact       State = "copying-artifact"
	StateFinalized             State = "finalized"
	StateAborted               State = "aborted"
)

// Forward transitions. Aborted is reachable from every non-terminal state
// and is handled separately.
var transitions = map[State][]State{
	StateInit:                  {StateProvisioningBuilder},
	StateProvisioningBuilder:   {StateBuilding},
	StateBuilding:              {StateArtifactReady},
	StateArtifactReady:         {StateProvisioningAssembler, StateCopyingArtifact},
	StateProvisioningAssembler: {StateCopyingArtifact},
	StateCopyingArtifact:       {StateFinalized},
}

// Reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateAborted
}

// Reports whether the state machine allows moving from s to next.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateAborted {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// A state entered at a point in time.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Wall time spent in a state.
type Timing struct {
	State   State         `json:"state"`
	Elapsed time.Duration `json:"elapsed"`
}

// Tracks the state of one run and the time each transition happened.
type machine struct {
	history []Transition
	now     func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{
		history: []Transition{{State: StateInit, At: now()}},
		now:     now,
	}
}

// Returns the current state.
func (m *machine) state() State {
	return m.history[len(m.history)-1].State
}

// Moves to next.
//
// Any attempt to move on from Finalized fails with [ErrFinalization]; any
// other illegal move fails with [ErrInvalidTransition].
func (m *machine) advance(next State) error {
	cur := m.state()
	if cur == StateFinalized {
		return errors.Wrapf(ErrFinalization, "cannot enter %s", next)
	}
	if !cur.CanTransition(next) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", cur, next)
	}
	m.history = append(m.history, Transition{State: next, At: m.now()})
	return nil
}

// Moves to Aborted unless the run already ended.
func (m *machine) abort() {
	if !m.state().Terminal() {
		m.history = append(m.history, Transition{State: StateAborted, At: m.now()})
	}
}

// Returns the wall time spent in every state that has been left. The
// current state is included, measured up to now, unless it is terminal.
func (m *machine) timings() []Timing {
	timings := make([]Timing, 0, len(m.history))
	for i, t := range m.history {
		var end time.Time
		switch {
		case i+1 < len(m.history):
			end = m.history[i+1].At
		case t.State.Terminal():
			continue
		default:
			end = m.now()
		}
		timings = append(timings, Timing{State: t.State, Elapsed: end.Sub(t.At)})
	}
	return timings
}
