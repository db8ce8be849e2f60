package gitx

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingRunner serves canned output per command line and counts calls.
type countingRunner struct {
	responses map[string]string
	calls     map[string]int
}

func newCountingRunner(responses map[string]string) *countingRunner {
	return &countingRunner{responses: responses, calls: map[string]int{}}
}

func (r *countingRunner) Run(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	r.calls[key]++
	out, ok := r.responses[key]
	if !ok {
		return nil, errors.New("exit status 1")
	}
	return []byte(out), nil
}

const revListKey = "git rev-list --left-right --count origin/main...HEAD"

func TestBranchStatusCachesWithinTTL(t *testing.T) {
	run := newCountingRunner(map[string]string{revListKey: "2\t3\n"})
	cache := NewStatusCache(run, testLogger())

	now := time.Now()
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	got := cache.BranchStatus(ctx, "/wt", "origin", "main")
	if got.Ahead != 3 || got.Behind != 2 {
		t.Fatalf("status = %+v, want ahead 3 behind 2", got)
	}
	cache.BranchStatus(ctx, "/wt", "origin", "main")
	cache.BranchStatus(ctx, "/wt", "origin", "main")
	if run.calls[revListKey] != 1 {
		t.Errorf("git ran %d times within TTL, want 1", run.calls[revListKey])
	}

	// Advance past the TTL and the next read re-queries.
	now = now.Add(statusTTL + time.Second)
	cache.BranchStatus(ctx, "/wt", "origin", "main")
	if run.calls[revListKey] != 2 {
		t.Errorf("git ran %d times after TTL expiry, want 2", run.calls[revListKey])
	}
}

func TestBranchStatusFailureCachesZero(t *testing.T) {
	run := newCountingRunner(nil)
	cache := NewStatusCache(run, testLogger())
	ctx := context.Background()

	got := cache.BranchStatus(ctx, "/wt", "origin", "main")
	if got != (BranchStatus{}) {
		t.Errorf("status = %+v, want zero on failure", got)
	}
	cache.BranchStatus(ctx, "/wt", "origin", "main")
	if run.calls[revListKey] != 1 {
		t.Errorf("failure was not cached: %d calls", run.calls[revListKey])
	}
}

func TestDirty(t *testing.T) {
	const statusKey = "git status --porcelain"
	tests := []struct {
		name string
		out  string
		want bool
	}{
		{"clean", "", false},
		{"modified", " M main.go\n", true},
		{"untracked", "?? new.go\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newCountingRunner(map[string]string{statusKey: tt.out})
			cache := NewStatusCache(run, testLogger())
			if got := cache.Dirty(context.Background(), "/wt"); got != tt.want {
				t.Errorf("Dirty = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInvalidateForcesRequery(t *testing.T) {
	run := newCountingRunner(map[string]string{revListKey: "0\t0\n"})
	cache := NewStatusCache(run, testLogger())
	ctx := context.Background()

	cache.BranchStatus(ctx, "/wt", "origin", "main")
	cache.Invalidate("/wt")
	cache.BranchStatus(ctx, "/wt", "origin", "main")
	if run.calls[revListKey] != 2 {
		t.Errorf("git ran %d times, want 2 after invalidate", run.calls[revListKey])
	}
}

func TestPruneKeepsOnlyValidPaths(t *testing.T) {
	run := newCountingRunner(map[string]string{revListKey: "0\t0\n"})
	cache := NewStatusCache(run, testLogger())
	ctx := context.Background()

	cache.BranchStatus(ctx, "/keep", "origin", "main")
	cache.BranchStatus(ctx, "/drop", "origin", "main")
	cache.Prune(map[string]struct{}{"/keep": {}})

	cache.mu.Lock()
	_, kept := cache.branch["/keep"]
	_, dropped := cache.branch["/drop"]
	cache.mu.Unlock()
	if !kept {
		t.Error("valid path was pruned")
	}
	if dropped {
		t.Error("stale path survived prune")
	}
}
