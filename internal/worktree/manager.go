package worktree

import (
	"bufio"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WorktreeManager manages git worktrees for parallel task execution
type WorktreeManager struct {
	config  WorktreeManagerConfig
	mergeMu sync.Mutex // Serializes merge operations to prevent git lock conflicts

	mu      sync.Mutex
	created map[string]*WorktreeInfo // taskID -> worktree, for idempotent Create
}

// NewWorktreeManager creates a new worktree manager
func NewWorktreeManager(cfg WorktreeManagerConfig) *WorktreeManager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	return &WorktreeManager{
		config:  cfg,
		created: make(map[string]*WorktreeInfo),
	}
}

func (m *WorktreeManager) isRepository() bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = m.config.RepoPath
	return cmd.Run() == nil
}

func (m *WorktreeManager) branchExists(branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", branch)
	cmd.Dir = m.config.RepoPath
	return cmd.Run() == nil
}

// Create creates a new worktree for the given task, deriving the branch name
// from role and description. Calling Create twice for the same
// taskID is idempotent: the second call returns the worktree created by the
// first, per the Worktree Manager's idempotence guarantee.
func (m *WorktreeManager) Create(taskID, role, description string) (*WorktreeInfo, error) {
	m.mu.Lock()
	if existing, ok := m.created[taskID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	if !m.isRepository() {
		return nil, fmt.Errorf("%w: %s", ErrNotARepository, m.config.RepoPath)
	}

	branch := branchName(role, description, taskID)
	if m.branchExists(branch) {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}

	wtPath := filepath.Join(m.config.RepoPath, m.config.WorktreeDir, slugify(role), taskID)

	baseHeadCmd := exec.Command("git", "rev-parse", m.config.BaseBranch)
	baseHeadCmd.Dir = m.config.RepoPath
	baseHeadOutput, err := baseHeadCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base branch %q: %w (output: %s)", m.config.BaseBranch, err, string(baseHeadOutput))
	}

	cmd := exec.Command("git", "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch)
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, string(output))
	}

	headCmd := exec.Command("git", "rev-parse", "HEAD")
	headCmd.Dir = wtPath
	headOutput, err := headCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, string(headOutput))
	}

	info := &WorktreeInfo{
		Path:      wtPath,
		Branch:    branch,
		TaskID:    taskID,
		Head:      strings.TrimSpace(string(headOutput)),
		BaseHead:  strings.TrimSpace(string(baseHeadOutput)),
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.created[taskID] = info
	m.mu.Unlock()

	return info, nil
}

// Status reports uncommitted changes and how far the worktree has diverged
// from the base branch.
func (m *WorktreeManager) Status(info *WorktreeInfo) (*Status, error) {
	statusCmd := exec.Command("git", "status", "--porcelain")
	statusCmd.Dir = info.Path
	output, err := statusCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree status: %w (output: %s)", err, string(output))
	}

	var uncommitted []string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 3 {
			uncommitted = append(uncommitted, strings.TrimSpace(line[3:]))
		}
	}

	countCmd := exec.Command("git", "rev-list", "--count", m.config.BaseBranch+".."+info.Branch)
	countCmd.Dir = m.config.RepoPath
	countOutput, err := countCmd.CombinedOutput()
	ahead := 0
	if err == nil {
		ahead, _ = strconv.Atoi(strings.TrimSpace(string(countOutput)))
	}

	lastCommitCmd := exec.Command("git", "rev-parse", "HEAD")
	lastCommitCmd.Dir = info.Path
	lastCommitOutput, err := lastCommitCmd.CombinedOutput()
	lastCommit := ""
	if err == nil {
		lastCommit = strings.TrimSpace(string(lastCommitOutput))
	}

	return &Status{
		UncommittedFiles:   uncommitted,
		CommitsAheadOfBase: ahead,
		LastCommit:         lastCommit,
		HasChanges:         len(uncommitted) > 0,
	}, nil
}

// Merge merges the worktree branch back to the base branch
func (m *WorktreeManager) Merge(info *WorktreeInfo, strategy MergeStrategy) (*MergeResult, error) {
	// Serialize merge operations to prevent concurrent git operations on the main repo
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	// First, checkout base branch to ensure we're merging into the right place
	checkoutCmd := exec.Command("git", "checkout", m.config.BaseBranch)
	checkoutCmd.Dir = m.config.RepoPath
	if checkoutOutput, err := checkoutCmd.CombinedOutput(); err != nil {
		return &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("failed to checkout base branch: %w (output: %s)", err, string(checkoutOutput)),
		}, nil
	}

	// Detect conflicts using merge-tree (dry-run merge)
	detectCmd := exec.Command("git", "merge-tree", "--write-tree", m.config.BaseBranch, info.Branch)
	detectCmd.Dir = m.config.RepoPath
	detectOutput, err := detectCmd.CombinedOutput()
	if err != nil {
		// Non-zero exit indicates conflicts
		result := &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge conflict detected: %s", string(detectOutput)),
		}
		// Try to parse conflict files from output
		result.ConflictFiles = parseConflictFiles(string(detectOutput))
		return result, nil
	}

	// Check if output contains conflict markers (git merge-tree may exit 0 but still have conflicts)
	outputStr := string(detectOutput)
	if strings.Contains(outputStr, "CONFLICT") {
		result := &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge conflict detected: %s", outputStr),
		}
		result.ConflictFiles = parseConflictFiles(outputStr)
		return result, nil
	}

	// No conflicts, perform actual merge
	args := []string{"merge", "--no-ff", info.Branch}
	switch strategy {
	case MergeOurs:
		args = []string{"merge", "--no-ff", "-s", "ours", info.Branch}
	case MergeTheirs:
		args = []string{"merge", "--no-ff", "-X", "theirs", info.Branch}
	case MergeFastForward:
		args = []string{"merge", "--ff-only", info.Branch}
	case MergeSquash:
		args = []string{"merge", "--squash", info.Branch}
	}

	mergeCmd := exec.Command("git", args...)
	mergeCmd.Dir = m.config.RepoPath
	mergeOutput, err := mergeCmd.CombinedOutput()
	if err != nil {
		return &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge failed: %w (output: %s)", err, string(mergeOutput)),
		}, nil
	}

	// --squash stages the combined changes but does not commit them.
	if strategy == MergeSquash {
		commitCmd := exec.Command("git", "commit", "-m", "Squash merge "+info.Branch)
		commitCmd.Dir = m.config.RepoPath
		if commitOutput, err := commitCmd.CombinedOutput(); err != nil {
			return &MergeResult{
				Merged: false,
				Error:  fmt.Errorf("squash commit failed: %w (output: %s)", err, string(commitOutput)),
			}, nil
		}
	}

	return &MergeResult{Merged: true}, nil
}

// parseConflictFiles attempts to extract conflicting file paths from merge-tree output
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		// merge-tree output includes lines like "CONFLICT (content): Merge conflict in <file>"
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			if len(parts) > 1 {
				conflicts = append(conflicts, strings.TrimSpace(parts[len(parts)-1]))
			}
		}
	}
	return conflicts
}

// Discard removes the worktree and its branch. If force is false
// and the worktree has uncommitted changes, it fails with ErrDirtyWorktree
// rather than destroying work. Discarding a worktree that has already been
// removed is a no-op (idempotent per the Worktree Manager's guarantee).
func (m *WorktreeManager) Discard(info *WorktreeInfo, force bool) error {
	if !force {
		status, err := m.Status(info)
		if err != nil {
			// Worktree directory is already gone; treat as already discarded.
			m.forgetTask(info.TaskID)
			return nil
		}
		if status.HasChanges {
			return fmt.Errorf("%w: %s", ErrDirtyWorktree, info.Path)
		}
	}

	if err := m.Cleanup(info); err != nil {
		if force {
			if ferr := m.ForceCleanup(info); ferr != nil {
				return ferr
			}
		} else {
			return err
		}
	}

	m.forgetTask(info.TaskID)
	return nil
}

func (m *WorktreeManager) forgetTask(taskID string) {
	m.mu.Lock()
	delete(m.created, taskID)
	m.mu.Unlock()
}

// Cleanup removes the worktree and deletes the branch
func (m *WorktreeManager) Cleanup(info *WorktreeInfo) error {
	var errors []string

	// Remove worktree
	removeCmd := exec.Command("git", "worktree", "remove", info.Path)
	removeCmd.Dir = m.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		// Retry with --force
		forceCmd := exec.Command("git", "worktree", "remove", "--force", info.Path)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errors = append(errors, fmt.Sprintf("worktree remove failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	// Delete branch
	branchCmd := exec.Command("git", "branch", "-d", info.Branch)
	branchCmd.Dir = m.config.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		// Retry with -D (force delete)
		forceCmd := exec.Command("git", "branch", "-D", info.Branch)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errors = append(errors, fmt.Sprintf("branch delete failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

// ForceCleanup removes the worktree and branch using force flags
func (m *WorktreeManager) ForceCleanup(info *WorktreeInfo) error {
	var errors []string

	// Force remove worktree
	removeCmd := exec.Command("git", "worktree", "remove", "--force", info.Path)
	removeCmd.Dir = m.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		errors = append(errors, fmt.Sprintf("force worktree remove failed: %v (output: %s)", err, string(output)))
	}

	// Force delete branch
	branchCmd := exec.Command("git", "branch", "-D", info.Branch)
	branchCmd.Dir = m.config.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		errors = append(errors, fmt.Sprintf("force branch delete failed: %v (output: %s)", err, string(output)))
	}

	if len(errors) > 0 {
		return fmt.Errorf("force cleanup errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

// List returns all worktrees in the repository
func (m *WorktreeManager) List() ([]WorktreeInfo, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, string(output))
	}

	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// Empty line signals end of a worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		if strings.HasPrefix(line, "worktree ") {
			current.Path = strings.TrimPrefix(line, "worktree ")
		} else if strings.HasPrefix(line, "HEAD ") {
			current.Head = strings.TrimPrefix(line, "HEAD ")
		} else if strings.HasPrefix(line, "branch ") {
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
			// Extract task ID from branch name (format: agent/<role>/<slug>, legacy: task/<id>)
			if strings.HasPrefix(current.Branch, "task/") {
				current.TaskID = strings.TrimPrefix(current.Branch, "task/")
			} else {
				m.mu.Lock()
				for taskID, info := range m.created {
					if info.Branch == current.Branch {
						current.TaskID = taskID
						break
					}
				}
				m.mu.Unlock()
			}
		}
	}

	// Add last entry if not followed by empty line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees, nil
}

// Prune cleans up stale worktree metadata
func (m *WorktreeManager) Prune() error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, string(output))
	}
	return nil
}
