package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEnvironmentMerge(t *testing.T) {
	base := Environment{"A": "1", "B": "2"}
	over := Environment{"B": "override", "C": "3"}

	got := base.Merge(over)

	want := Environment{"A": "1", "B": "override", "C": "3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}
	if base["B"] != "2" || len(base) != 2 {
		t.Fatalf("base modified: %v", base)
	}
}

func TestEnvironmentEnviron(t *testing.T) {
	env := Environment{"RUSTFLAGS": "-C target-feature=+aes,+sse2", "CARGO_TERM_COLOR": "never"}

	want := []string{"CARGO_TERM_COLOR=never", "RUSTFLAGS=-C target-feature=+aes,+sse2"}
	if diff := cmp.Diff(want, env.Environ()); diff != "" {
		t.Fatalf("environ mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvironmentValidate(t *testing.T) {
	tests := []struct {
		env     Environment
		wantErr bool
	}{
		{Environment{"PATH": "/usr/bin", "EMPTY": ""}, false},
		{Environment{"": "x"}, true},
		{Environment{"A=B": "x"}, true},
		{Environment{"A\x00": "x"}, true},
		{nil, false},
	}
	for _, tt := range tests {
		err := tt.env.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) = %v, wantErr %v", tt.env, err, tt.wantErr)
		}
	}
}
