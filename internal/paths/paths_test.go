package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSocketUnderRuntime(t *testing.T) {
	if filepath.Dir(Socket()) != Runtime() {
		t.Fatalf("Socket() = %q, want it under %q", Socket(), Runtime())
	}
	if filepath.Dir(PIDFile()) != Runtime() {
		t.Fatalf("PIDFile() = %q, want it under %q", PIDFile(), Runtime())
	}
}

func TestWorkNamespaced(t *testing.T) {
	if !strings.Contains(Work(), programName) {
		t.Fatalf("Work() = %q, want it to contain %q", Work(), programName)
	}
}
