// SPDX-License-Identifier: MPL-2.0

package gitcmd

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// fakeRunner records commands and returns canned output.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	head  string
	fail  map[string]string // command prefix -> stderr
}

func (f *fakeRunner) Run(_ context.Context, dir string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for prefix, stderr := range f.fail {
		if strings.HasPrefix(call, prefix) {
			return "", &Error{Args: args, Stderr: stderr}
		}
	}
	if args[0] == "rev-parse" {
		return f.head + "\n", nil
	}
	return "", nil
}

func TestClone(t *testing.T) {
	const rev = "d5d72fa135d28b2e8307650b3ea79115183f2406"

	t.Run("default branch", func(t *testing.T) {
		runner := &fakeRunner{head: rev}
		got, err := Clone(t.Context(), runner, "https://github.com/a/b.git", nil, "/tmp/dest")
		if err != nil {
			t.Fatalf("Clone() failed: %v", err)
		}
		if got != rev {
			t.Errorf("Clone() = %q, want %q", got, rev)
		}
		want := []string{
			"clone --recursive https://github.com/a/b.git /tmp/dest",
			"rev-parse --verify HEAD",
		}
		assertCalls(t, runner.calls, want)
	})

	t.Run("rev checkout", func(t *testing.T) {
		runner := &fakeRunner{head: rev}
		_, err := Clone(t.Context(), runner, "https://github.com/a/b.git",
			&Identifier{Kind: IdentifierRev, Value: rev}, "/tmp/dest")
		if err != nil {
			t.Fatal(err)
		}
		assertCalls(t, runner.calls, []string{
			"clone --recursive https://github.com/a/b.git /tmp/dest",
			"checkout " + rev,
			"rev-parse --verify HEAD",
		})
	})

	t.Run("branch pulls fast-forward", func(t *testing.T) {
		runner := &fakeRunner{head: rev}
		_, err := Clone(t.Context(), runner, "https://github.com/a/b.git",
			&Identifier{Kind: IdentifierBranch, Value: "dev"}, "/tmp/dest")
		if err != nil {
			t.Fatal(err)
		}
		assertCalls(t, runner.calls, []string{
			"clone --recursive https://github.com/a/b.git /tmp/dest",
			"checkout dev",
			"pull --ff-only",
			"rev-parse --verify HEAD",
		})
	})

	t.Run("tag uses tags ref", func(t *testing.T) {
		runner := &fakeRunner{head: rev}
		_, err := Clone(t.Context(), runner, "https://github.com/a/b.git",
			&Identifier{Kind: IdentifierTag, Value: "v0.1.0"}, "/tmp/dest")
		if err != nil {
			t.Fatal(err)
		}
		assertCalls(t, runner.calls, []string{
			"clone --recursive https://github.com/a/b.git /tmp/dest",
			"checkout tags/v0.1.0",
			"rev-parse --verify HEAD",
		})
	})

	t.Run("clone failure carries stderr", func(t *testing.T) {
		runner := &fakeRunner{fail: map[string]string{"clone": "fatal: repository not found"}}
		_, err := Clone(t.Context(), runner, "https://github.com/a/missing.git", nil, "/tmp/dest")
		if err == nil {
			t.Fatal("expected an error")
		}
		if !strings.Contains(err.Error(), "repository not found") {
			t.Errorf("stderr not surfaced: %v", err)
		}
	})
}

func TestWorktreeHelpers(t *testing.T) {
	t.Run("reset", func(t *testing.T) {
		runner := &fakeRunner{}
		if err := Reset(t.Context(), runner, "/repo", "abc"); err != nil {
			t.Fatal(err)
		}
		assertCalls(t, runner.calls, []string{"reset --hard abc", "clean -fd"})
	})

	t.Run("submodules", func(t *testing.T) {
		runner := &fakeRunner{}
		if err := UpdateSubmodules(t.Context(), runner, "/repo"); err != nil {
			t.Fatal(err)
		}
		assertCalls(t, runner.calls, []string{"submodule update --init --recursive"})
	})

	t.Run("clean worktree", func(t *testing.T) {
		runner := &fakeRunner{}
		clean, err := IsClean(t.Context(), runner, "/repo")
		if err != nil {
			t.Fatal(err)
		}
		if !clean {
			t.Error("expected a clean worktree")
		}
	})
}

func assertCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d git calls, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}
