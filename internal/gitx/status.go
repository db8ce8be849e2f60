// Package gitx shells out to git for worktree management and branch status,
// with a TTL cache bounding the cost of the status queries the UI refreshes
// constantly.
package gitx

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marcus/foreman/internal/execx"
)

const (
	// statusTTL is how long a cached status entry stays fresh.
	statusTTL = 5 * time.Second

	// queryTimeout bounds each git status subprocess. A timeout degrades
	// to the zero value, never propagates.
	queryTimeout = 10 * time.Second
)

// BranchStatus is the commit distance from the tracking reference.
type BranchStatus struct {
	Ahead  int
	Behind int
}

type branchEntry struct {
	at  time.Time
	val BranchStatus
}

type dirtyEntry struct {
	at  time.Time
	val bool
}

// StatusCache memoizes ahead/behind and dirty queries per worktree path.
// Process-local; one mutex guards both maps. Failed queries cache their
// zero-value result until the TTL expires rather than retrying immediately.
type StatusCache struct {
	run    execx.Runner
	logger *slog.Logger

	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	branch map[string]branchEntry
	dirty  map[string]dirtyEntry
}

// NewStatusCache creates a cache with the default TTL.
func NewStatusCache(run execx.Runner, logger *slog.Logger) *StatusCache {
	return &StatusCache{
		run:    run,
		logger: logger,
		ttl:    statusTTL,
		now:    time.Now,
		branch: make(map[string]branchEntry),
		dirty:  make(map[string]dirtyEntry),
	}
}

// BranchStatus returns ahead/behind counts for path relative to
// remote/mainBranch, served from cache when fresh.
func (c *StatusCache) BranchStatus(ctx context.Context, path, remote, mainBranch string) BranchStatus {
	c.mu.Lock()
	now := c.now()
	if e, ok := c.branch[path]; ok && now.Sub(e.at) < c.ttl {
		c.mu.Unlock()
		return e.val
	}
	c.mu.Unlock()

	val := c.queryBranchStatus(ctx, path, remote, mainBranch)

	c.mu.Lock()
	c.branch[path] = branchEntry{at: now, val: val}
	c.mu.Unlock()
	return val
}

func (c *StatusCache) queryBranchStatus(ctx context.Context, path, remote, mainBranch string) BranchStatus {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	out, err := c.run.Run(ctx, path, "git", "rev-list", "--left-right", "--count",
		remote+"/"+mainBranch+"...HEAD")
	if err != nil {
		c.logger.Debug("branch status query failed", "path", path, "error", err)
		return BranchStatus{}
	}
	parts := strings.Fields(string(out))
	if len(parts) != 2 {
		return BranchStatus{}
	}
	behind, err1 := strconv.Atoi(parts[0])
	ahead, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return BranchStatus{}
	}
	return BranchStatus{Ahead: ahead, Behind: behind}
}

// Dirty reports whether path has uncommitted or untracked changes, served
// from cache when fresh. Failures read as clean.
func (c *StatusCache) Dirty(ctx context.Context, path string) bool {
	c.mu.Lock()
	now := c.now()
	if e, ok := c.dirty[path]; ok && now.Sub(e.at) < c.ttl {
		c.mu.Unlock()
		return e.val
	}
	c.mu.Unlock()

	val := c.queryDirty(ctx, path)

	c.mu.Lock()
	c.dirty[path] = dirtyEntry{at: now, val: val}
	c.mu.Unlock()
	return val
}

func (c *StatusCache) queryDirty(ctx context.Context, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	out, err := c.run.Run(ctx, path, "git", "status", "--porcelain")
	if err != nil {
		c.logger.Debug("dirty query failed", "path", path, "error", err)
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

// Invalidate evicts both entries for a path. Must be called after any
// mutating git action (commit, push, pull) so the next read is fresh.
func (c *StatusCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.branch, path)
	delete(c.dirty, path)
}

// Prune drops entries for paths not in valid. Cache hygiene is tied to
// worktree lifetime: reconciliation calls this with the surviving paths.
func (c *StatusCache) Prune(valid map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path := range c.branch {
		if _, ok := valid[path]; !ok {
			delete(c.branch, path)
		}
	}
	for path := range c.dirty {
		if _, ok := valid[path]; !ok {
			delete(c.dirty, path)
		}
	}
}
