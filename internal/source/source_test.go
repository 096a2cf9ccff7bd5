package source

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
)

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{name: "local", spec: Spec{Local: &Local{Dir: "."}}},
		{name: "git", spec: Spec{Git: &Git{URL: "https://example.com/x.git"}}},
		{name: "both", spec: Spec{Local: &Local{Dir: "."}, Git: &Git{URL: "u"}}, wantErr: true},
		{name: "neither", spec: Spec{}, wantErr: true},
		{name: "local without dir", spec: Spec{Local: &Local{}}, wantErr: true},
		{name: "git without url", spec: Spec{Git: &Git{Ref: "main"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSpec) {
					t.Fatalf("err = %v, want ErrInvalidSpec", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSpecString(t *testing.T) {
	tests := []struct {
		spec Spec
		want string
	}{
		{Spec{Local: &Local{Dir: "/src"}}, "local:/src"},
		{Spec{Git: &Git{URL: "https://h/r.git"}}, "git:https://h/r.git"},
		{Spec{Git: &Git{URL: "https://h/r.git", Ref: "v1"}}, "git:https://h/r.git@v1"},
		{Spec{}, "(none)"},
	}
	for _, tt := range tests {
		if got := tt.spec.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestOpenLocalNotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")

	_, err := Open(context.Background(), Spec{Local: &Local{Dir: file}}, t.TempDir())
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("err = %v, want ErrInvalidSpec", err)
	}
}

func TestOpenLocalSymlinkedDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cargo.toml"), "[package]")
	link := filepath.Join(t.TempDir(), "project")
	if err := os.Symlink(dir, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	tree, err := Open(context.Background(), Spec{Local: &Local{Dir: link}}, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tree.Close()

	r := tree.Reader("deduplicator")
	defer r.Close()

	got := tarNames(t, r)
	want := []string{"deduplicator/", "deduplicator/Cargo.toml"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("archive entries mismatch (-want +got):\n%s", diff)
	}
}

func TestReaderHonoursExcludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cargo.toml"), "[package]")
	writeFile(t, filepath.Join(dir, "src", "main.rs"), "fn main() {}")
	writeFile(t, filepath.Join(dir, "target", "release", "app"), "stale")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref: refs/heads/main")
	writeFile(t, filepath.Join(dir, "notes.log"), "log")

	tree, err := Open(context.Background(), Spec{Local: &Local{
		Dir:     dir,
		Exclude: []string{"target", "*.log"},
	}}, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tree.Close()

	r := tree.Reader("project")
	defer r.Close()

	got := tarNames(t, r)
	want := []string{
		"project/",
		"project/Cargo.toml",
		"project/src/",
		"project/src/main.rs",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("archive entries mismatch (-want +got):\n%s", diff)
	}
}

func TestExcludedRoot(t *testing.T) {
	tree, err := Open(context.Background(), Spec{Local: &Local{Dir: t.TempDir(), Exclude: []string{"*"}}}, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tree.Excluded(".") {
		t.Fatal("tree root must never be excluded")
	}
	if !tree.Excluded("anything") {
		t.Fatal("expected wildcard to exclude top-level entries")
	}
}

func TestCloseLocalKeepsDirectory(t *testing.T) {
	dir := t.TempDir()
	tree, err := Open(context.Background(), Spec{Local: &Local{Dir: dir}}, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("local source removed on Close: %v", err)
	}
}

func TestCheckout(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}

	first := commitFile(t, repo, dir, "a.txt", "one")
	second := commitFile(t, repo, dir, "a.txt", "two")

	head, err := checkout(repo, "")
	if err != nil {
		t.Fatalf("checkout HEAD: %v", err)
	}
	if head != second {
		t.Fatalf("HEAD = %s, want %s", head, second)
	}

	got, err := checkout(repo, first)
	if err != nil {
		t.Fatalf("checkout %s: %v", first, err)
	}
	if got != first {
		t.Fatalf("revision = %s, want %s", got, first)
	}

	b, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "one" {
		t.Fatalf("a.txt = %q, want %q", b, "one")
	}

	if _, err := checkout(repo, "no-such-ref"); err == nil {
		t.Fatal("expected error for unknown ref")
	}
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()
	writeFile(t, filepath.Join(dir, name), content)

	w, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Add(name); err != nil {
		t.Fatal(err)
	}
	hash, err := w.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	return hash.String()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func tarNames(t *testing.T, r io.Reader) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		names = append(names, h.Name)
	}
	sort.Strings(names)
	return names
}
