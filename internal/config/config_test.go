package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeRunner returns canned output per command line.
type fakeRunner struct {
	responses map[string]string
	calls     []string
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	out, ok := f.responses[key]
	if !ok {
		return nil, errors.New("exit status 1")
	}
	return []byte(out), nil
}

func TestMergeProjectWins(t *testing.T) {
	global := File{
		Worktree: WorktreeConfig{Prefix: "fm", BaseDir: "/global"},
		Git:      GitConfig{MainBranch: "master", Remote: "upstream"},
		Env:      EnvConfig{Symlinks: []string{".env"}},
	}
	project := File{
		Worktree: WorktreeConfig{Prefix: "wt"},
		Git:      GitConfig{MainBranch: "main"},
	}

	got := merge(global, project)
	if got.Worktree.Prefix != "wt" {
		t.Errorf("Prefix = %q, want project value wt", got.Worktree.Prefix)
	}
	if got.Worktree.BaseDir != "/global" {
		t.Errorf("BaseDir = %q, want inherited /global", got.Worktree.BaseDir)
	}
	if got.Git.MainBranch != "main" || got.Git.Remote != "upstream" {
		t.Errorf("Git = %+v", got.Git)
	}
	if len(got.Env.Symlinks) != 1 {
		t.Errorf("Symlinks = %v, want inherited", got.Env.Symlinks)
	}
}

func TestStateHash(t *testing.T) {
	a := (&Resolved{RepoRoot: "/tmp/repo-a"}).StateHash()
	b := (&Resolved{RepoRoot: "/tmp/repo-b"}).StateHash()
	if len(a) != 12 {
		t.Errorf("hash length = %d, want 12", len(a))
	}
	if a == b {
		t.Errorf("distinct roots hash equal: %s", a)
	}
	if a != (&Resolved{RepoRoot: "/tmp/repo-a"}).StateHash() {
		t.Errorf("hash is not stable")
	}
}

func TestWorktreePath(t *testing.T) {
	r := &Resolved{BaseDir: "/code", WorktreePrefix: "fm"}
	if got := r.WorktreePath("feature"); got != "/code/fm-feature" {
		t.Errorf("WorktreePath = %q", got)
	}
}

func TestDetectRepoRootNotARepo(t *testing.T) {
	run := &fakeRunner{responses: map[string]string{}}
	if _, err := DetectRepoRoot(context.Background(), run, "/tmp"); err == nil {
		t.Fatal("expected error outside a repository")
	}
}

func TestDetectRemote(t *testing.T) {
	tests := []struct {
		name    string
		remotes string
		want    string
	}{
		{"prefers origin", "upstream\norigin\n", "origin"},
		{"first when no origin", "upstream\nfork\n", "upstream"},
		{"default when none", "", "origin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &fakeRunner{responses: map[string]string{"git remote": tt.remotes}}
			if got := DetectRemote(context.Background(), run, "/repo"); got != tt.want {
				t.Errorf("DetectRemote = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMainBranch(t *testing.T) {
	t.Run("from remote HEAD", func(t *testing.T) {
		run := &fakeRunner{responses: map[string]string{
			"git symbolic-ref refs/remotes/origin/HEAD": "refs/remotes/origin/trunk\n",
		}}
		if got := DetectMainBranch(context.Background(), run, "/repo", "origin"); got != "trunk" {
			t.Errorf("got %q, want trunk", got)
		}
	})
	t.Run("probes master", func(t *testing.T) {
		run := &fakeRunner{responses: map[string]string{
			"git rev-parse --verify refs/remotes/origin/master": "abc\n",
		}}
		if got := DetectMainBranch(context.Background(), run, "/repo", "origin"); got != "master" {
			t.Errorf("got %q, want master", got)
		}
	})
	t.Run("falls back to main", func(t *testing.T) {
		run := &fakeRunner{responses: map[string]string{}}
		if got := DetectMainBranch(context.Background(), run, "/repo", "origin"); got != "main" {
			t.Errorf("got %q, want main", got)
		}
	})
}

func ExampleResolved_WorktreePath() {
	r := &Resolved{BaseDir: "/code", WorktreePrefix: "fm"}
	fmt.Println(r.WorktreePath("api-fix"))
	// Output: /code/fm-api-fix
}
