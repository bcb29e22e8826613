package merge

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/clod/orchestrator/internal/events"
	"github.com/clod/orchestrator/internal/worktree"
)

// ErrMergeConflict is returned when automatic resolution left one or more
// hunks unresolved, per the MergeConflict error taxonomy entry.
type ErrMergeConflict struct {
	Branch    string
	Conflicts []Conflict
}

func (e *ErrMergeConflict) Error() string {
	files := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		files[i] = c.File
	}
	return fmt.Sprintf("merge conflict on branch %s: %s", e.Branch, strings.Join(files, ", "))
}

// Pipeline runs the post-completion integration stage.
type Pipeline struct {
	repoPath     string
	baseBranch   string
	wm           *worktree.WorktreeManager
	resolver     AssistedResolver
	assistedMode bool

	bus *events.EventBus // optional; nil disables event publication
}

// SetEventBus attaches an EventBus for observability. Nil-safe.
func (p *Pipeline) SetEventBus(bus *events.EventBus) {
	p.bus = bus
}

func (p *Pipeline) publishOutcome(taskID string, out *Outcome) {
	if p.bus == nil || out == nil {
		return
	}
	files := make([]string, len(out.Conflicts))
	for i, c := range out.Conflicts {
		files[i] = c.File
	}
	p.bus.Publish(events.TopicMerge, events.MergeOutcomeEvent{
		Branch:        out.Branch,
		TaskID_:       taskID,
		Merged:        out.Merged,
		ConflictFiles: files,
		Timestamp:     time.Now(),
	})
}

// NewPipeline builds a Pipeline. resolver may be nil, in which case
// assistedMode is ignored and ambiguous hunks are left for manual
// resolution.
func NewPipeline(repoPath, baseBranch string, wm *worktree.WorktreeManager, resolver AssistedResolver) *Pipeline {
	return &Pipeline{
		repoPath:     repoPath,
		baseBranch:   baseBranch,
		wm:           wm,
		resolver:     resolver,
		assistedMode: resolver != nil,
	}
}

func (p *Pipeline) run(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Merge integrates info's branch into the base branch.
// On success it discards the worktree (step 7). On an unresolved conflict,
// the base branch is restored to its pre-attempt state and the returned
// error is an *ErrMergeConflict listing the offending files and hunks.
func (p *Pipeline) Merge(info *worktree.WorktreeInfo) (*Outcome, error) {
	// 1. Preflight.
	status, err := p.wm.Status(info)
	if err != nil {
		return nil, fmt.Errorf("merge preflight: %w", err)
	}
	if status.HasChanges {
		return nil, fmt.Errorf("merge preflight: %w: %s", worktree.ErrDirtyWorktree, info.Path)
	}

	if out, err := p.run(p.repoPath, "checkout", p.baseBranch); err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w (output: %s)", p.baseBranch, err, string(out))
	}

	// 2. Attempt a real three-way merge so conflicts, if any, land as
	// marker-delimited text in the working tree.
	mergeOut, mergeErr := p.run(p.repoPath, "merge", "--no-ff", "--no-commit", info.Branch)
	if mergeErr == nil {
		// Some merges succeed with nothing to commit beyond the merge
		// itself (e.g. fast-forward-able); --no-commit still requires an
		// explicit commit.
		if out, err := p.run(p.repoPath, "commit", "--no-edit"); err != nil && !strings.Contains(string(out), "nothing to commit") {
			return nil, fmt.Errorf("failed to commit merge: %w (output: %s)", err, string(out))
		}
		out := &Outcome{Branch: info.Branch, Merged: true}
		p.publishOutcome(info.TaskID, out)
		if err := p.wm.Discard(info, false); err != nil {
			return out, fmt.Errorf("merge succeeded but discard failed: %w", err)
		}
		return out, nil
	}

	// 3. Conflict detection.
	conflicts, err := p.readConflicts(info.Branch)
	if err != nil {
		p.abort()
		return nil, fmt.Errorf("merge attempt failed and conflict files could not be read: %w (git output: %s)", err, string(mergeOut))
	}

	// 4-5. Classification, strategy selection, resolution.
	var unresolved []Conflict
	for i := range conflicts {
		Classify(&conflicts[i], p.assistedMode)
		ResolveConflict(&conflicts[i], p.resolver)
		if hunks := Unresolved(conflicts[i]); len(hunks) > 0 {
			unresolved = append(unresolved, conflicts[i])
		}
	}

	if len(unresolved) > 0 {
		p.abort()
		out := &Outcome{Branch: info.Branch, Merged: false, Conflicts: conflicts}
		p.publishOutcome(info.TaskID, out)
		return out, &ErrMergeConflict{Branch: info.Branch, Conflicts: unresolved}
	}

	// Every hunk resolved automatically: write resolutions back and commit.
	for _, c := range conflicts {
		if err := writeResolved(p.repoPath, c); err != nil {
			p.abort()
			return nil, fmt.Errorf("failed to write resolved content for %s: %w", c.File, err)
		}
		if out, err := p.run(p.repoPath, "add", c.File); err != nil {
			p.abort()
			return nil, fmt.Errorf("git add %s failed: %w (output: %s)", c.File, err, string(out))
		}
	}

	if out, err := p.run(p.repoPath, "commit", "--no-edit"); err != nil {
		p.abort()
		return nil, fmt.Errorf("failed to commit resolved merge: %w (output: %s)", err, string(out))
	}

	out := &Outcome{Branch: info.Branch, Merged: true, Conflicts: conflicts}
	p.publishOutcome(info.TaskID, out)
	if err := p.wm.Discard(info, false); err != nil {
		return out, fmt.Errorf("merge succeeded but discard failed: %w", err)
	}
	return out, nil
}

func (p *Pipeline) abort() {
	_, _ = p.run(p.repoPath, "merge", "--abort")
}

func (p *Pipeline) readConflicts(branch string) ([]Conflict, error) {
	out, err := p.run(p.repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		file := strings.TrimSpace(scanner.Text())
		if file == "" {
			continue
		}
		raw, err := os.ReadFile(p.repoPath + "/" + file)
		if err != nil {
			return nil, fmt.Errorf("reading conflicted file %s: %w", file, err)
		}
		conflict := ParseConflictedFile(file, string(raw))
		for i := range conflict.Hunks {
			if conflict.Hunks[i].Base == "" {
				if base, ok := mergeBaseContent(p.repoPath, p.baseBranch, branch, file); ok {
					conflict.Hunks[i].Base = base
				}
			}
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, nil
}

// writeResolved replaces each conflict-marked region of a file with its
// resolved content and writes the file back out.
func writeResolved(repoPath string, c Conflict) error {
	path := repoPath + "/" + c.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(raw), "\n")

	// Replace from the last hunk backwards so earlier StartLine/EndLine
	// offsets stay valid.
	for i := len(c.Hunks) - 1; i >= 0; i-- {
		h := c.Hunks[i]
		replacement := strings.Split(h.Resolved, "\n")
		lines = append(lines[:h.StartLine], append(replacement, lines[h.EndLine+1:]...)...)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
