package pipeline

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

// Advances one second per reading.
type tickClock struct{ t time.Time }

func (c *tickClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInit, StateProvisioningBuilder, true},
		{StateInit, StateBuilding, false},
		{StateProvisioningBuilder, StateBuilding, true},
		{StateBuilding, StateArtifactReady, true},
		{StateBuilding, StateCopyingArtifact, false},
		{StateArtifactReady, StateProvisioningAssembler, true},
		{StateArtifactReady, StateCopyingArtifact, true},
		{StateProvisioningAssembler, StateCopyingArtifact, true},
		{StateCopyingArtifact, StateFinalized, true},
		{StateCopyingArtifact, StateBuilding, false},
		{StateBuilding, StateAborted, true},
		{StateInit, StateAborted, true},
		{StateFinalized, StateAborted, false},
		{StateAborted, StateInit, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMachineAdvance(t *testing.T) {
	m := newMachine((&tickClock{}).now)

	for _, s := range []State{StateProvisioningBuilder, StateBuilding, StateArtifactReady, StateCopyingArtifact, StateFinalized} {
		if err := m.advance(s); err != nil {
			t.Fatalf("advance(%s): %v", s, err)
		}
	}
	if m.state() != StateFinalized {
		t.Fatalf("state = %s, want finalized", m.state())
	}

	if err := m.advance(StateCopyingArtifact); !errors.Is(err, ErrFinalization) {
		t.Fatalf("advance after finalized = %v, want ErrFinalization", err)
	}
	if err := m.advance(StateAborted); !errors.Is(err, ErrFinalization) {
		t.Fatalf("abort after finalized = %v, want ErrFinalization", err)
	}
}

func TestMachineInvalidTransition(t *testing.T) {
	m := newMachine((&tickClock{}).now)

	if err := m.advance(StateBuilding); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if m.state() != StateInit {
		t.Fatalf("state = %s, want init", m.state())
	}
}

func TestMachineAbort(t *testing.T) {
	m := newMachine((&tickClock{}).now)
	if err := m.advance(StateProvisioningBuilder); err != nil {
		t.Fatal(err)
	}

	m.abort()
	m.abort()

	if m.state() != StateAborted {
		t.Fatalf("state = %s, want aborted", m.state())
	}
	if len(m.history) != 3 {
		t.Fatalf("history has %d entries, want 3", len(m.history))
	}
	if err := m.advance(StateBuilding); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance after abort = %v, want ErrInvalidTransition", err)
	}
}

func TestMachineTimings(t *testing.T) {
	m := newMachine((&tickClock{}).now)
	if err := m.advance(StateProvisioningBuilder); err != nil {
		t.Fatal(err)
	}
	m.abort()

	timings := m.timings()
	if len(timings) != 2 {
		t.Fatalf("timings = %v, want 2 entries", timings)
	}
	for _, tm := range timings {
		if tm.Elapsed != time.Second {
			t.Fatalf("%s elapsed %v, want 1s", tm.State, tm.Elapsed)
		}
	}
}
