package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gofrs/flock"

	"github.com/marcus/foreman/internal/config"
)

const (
	legacyStateFile = "state.json"
	projectsFile    = "projects.json"
)

// CorruptError reports a state file that exists but cannot be decoded.
// Callers decide between aborting and reinitializing; the store never
// discards data on its own.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Store persists AppState as one JSON document per repository, guarded by
// advisory locks on a companion .lock file.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// DefaultDir returns ~/.config/foreman.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, config.GlobalDir), nil
}

// Path returns the state file path for the given repository config.
func (s *Store) Path(cfg *config.Resolved) string {
	return filepath.Join(s.dir, "state-"+cfg.StateHash()+".json")
}

func lockPath(statePath string) string {
	return strings.TrimSuffix(statePath, ".json") + ".lock"
}

func tmpPath(statePath string) string {
	return strings.TrimSuffix(statePath, ".json") + ".tmp"
}

// diskState tolerates the deprecated repoPath key from the single-file era.
type diskState struct {
	AppState
	RepoPath string `json:"repoPath,omitempty"`
}

// Load reads the state for cfg's repository. A missing file yields an empty
// state seeded from cfg. A legacy state.json is adopted when its recorded
// root matches. Malformed JSON surfaces as *CorruptError.
func (s *Store) Load(cfg *config.Resolved) (*AppState, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	path := s.Path(cfg)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if legacy := filepath.Join(s.dir, legacyStateFile); s.legacyMatches(legacy, cfg.RepoRoot) {
			path = legacy
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &AppState{
			RepoRoot:     cfg.RepoRoot,
			WorktreeBase: cfg.BaseDir,
			Worktrees:    []Worktree{},
		}, nil
	}

	// Shared lock for the read so a concurrent writer's rename is never
	// observed mid-flight.
	fl := flock.New(lockPath(path))
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("lock state file for read: %w", err)
	}
	data, readErr := os.ReadFile(path)
	if err := fl.Unlock(); err != nil {
		s.logger.Warn("failed to release state read lock", "path", path, "error", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("read state file: %w", readErr)
	}

	var disk diskState
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if disk.RepoRoot == "" && disk.RepoPath != "" {
		disk.RepoRoot = disk.RepoPath
	}
	st := disk.AppState
	if st.Worktrees == nil {
		st.Worktrees = []Worktree{}
	}
	return &st, nil
}

// legacyMatches reports whether the pre-per-repo state file belongs to
// repoRoot. Unreadable or malformed legacy files are ignored, not adopted.
func (s *Store) legacyMatches(path, repoRoot string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var disk diskState
	if err := json.Unmarshal(data, &disk); err != nil {
		s.logger.Debug("failed to read legacy state file, starting fresh", "path", path)
		return false
	}
	root := disk.RepoRoot
	if root == "" {
		root = disk.RepoPath
	}
	return root == repoRoot
}

// Save writes the state atomically: the document goes to a companion .tmp
// file first and is renamed over the target while the exclusive lock is
// held, so readers never observe a half-written file and a crash mid-write
// leaves the previous state intact.
func (s *Store) Save(st *AppState, cfg *config.Resolved) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	path := s.Path(cfg)
	fl := flock.New(lockPath(path))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock state file for write: %w", err)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to release state write lock", "path", path, "error", err)
		}
	}()

	tmp := tmpPath(path)
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write state tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// RegisterProject records repoRoot in the global projects registry so other
// invocations can enumerate managed repositories.
func (s *Store) RegisterProject(repoRoot string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(s.dir, projectsFile)
	fl := flock.New(lockPath(path))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock projects registry: %w", err)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to release registry lock", "error", err)
		}
	}()

	var projects []string
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &projects); err != nil {
			projects = nil
		}
	}
	if slices.Contains(projects, repoRoot) {
		return nil
	}
	projects = append(projects, repoRoot)
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return fmt.Errorf("encode projects registry: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write projects registry: %w", err)
	}
	return nil
}

// Projects returns every repo root recorded in the registry. Missing or
// malformed registries read as empty.
func (s *Store) Projects() []string {
	data, err := os.ReadFile(filepath.Join(s.dir, projectsFile))
	if err != nil {
		return nil
	}
	var projects []string
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil
	}
	return projects
}
