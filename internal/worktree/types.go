package worktree

import (
	"errors"
	"time"
)

// MergeStrategy defines how to merge a worktree branch back to the base branch
type MergeStrategy int

const (
	// MergeOrt uses the default ort strategy (Ostensibly Recursive's Twin)
	MergeOrt MergeStrategy = iota
	// MergeOurs uses the ours strategy (always favor our changes)
	MergeOurs
	// MergeTheirs favors their changes on conflicting hunks (-X theirs)
	MergeTheirs
	// MergeFastForward only advances the base branch pointer (--ff-only)
	MergeFastForward
	// MergeSquash folds the branch into a single commit on the base
	MergeSquash
)

// String returns the git merge strategy name
func (s MergeStrategy) String() string {
	switch s {
	case MergeOrt:
		return "ort"
	case MergeOurs:
		return "ours"
	case MergeTheirs:
		return "theirs"
	case MergeFastForward:
		return "fast-forward"
	case MergeSquash:
		return "squash"
	default:
		return "ort"
	}
}

// WorktreeInfo holds information about a created worktree
type WorktreeInfo struct {
	Path      string    // Absolute path to the worktree directory
	Branch    string    // Branch name (e.g., "agent/coder/add-payment-api")
	TaskID    string    // Original task ID
	Head      string    // Current HEAD commit hash at creation time
	BaseHead  string    // HEAD of base_branch at creation time
	CreatedAt time.Time
}

// Status reports the working-tree state of a created worktree.
type Status struct {
	UncommittedFiles   []string // git status --porcelain paths
	CommitsAheadOfBase int
	LastCommit         string
	HasChanges         bool
}

// MergeResult represents the outcome of a merge operation
type MergeResult struct {
	Merged        bool     // True if merge succeeded
	ConflictFiles []string // List of files with conflicts (if any)
	Error         error    // Error if merge failed
}

// WorktreeManagerConfig configures the worktree manager
type WorktreeManagerConfig struct {
	RepoPath        string        // Absolute path to the git repository
	BaseBranch      string        // Base branch to branch from (e.g., "main")
	WorktreeDir     string        // Directory under repo for worktrees (default ".worktrees")
	DefaultStrategy MergeStrategy // Default merge strategy
}

// Domain errors surfaced by the manager.
var (
	ErrNotARepository = errors.New("worktree: path is not a git repository")
	ErrBranchExists   = errors.New("worktree: branch already exists")
	ErrWorktreeMissing = errors.New("worktree: not found")
	ErrDirtyWorktree  = errors.New("worktree: has uncommitted changes")
)
