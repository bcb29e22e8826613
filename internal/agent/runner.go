package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clod/orchestrator/internal/backend"
	"github.com/clod/orchestrator/internal/events"
	"github.com/clod/orchestrator/internal/merge"
	"github.com/clod/orchestrator/internal/persistence"
	"github.com/clod/orchestrator/internal/resilience"
	"github.com/clod/orchestrator/internal/scheduler"
	"github.com/clod/orchestrator/internal/sharedcontext"
	"github.com/clod/orchestrator/internal/worktree"
)

// TaskResult represents the outcome of a task execution.
type TaskResult struct {
	TaskID          string
	Success         bool
	MergeResult     *worktree.MergeResult
	PipelineOutcome *merge.Outcome // populated instead of MergeResult when MergePipeline is configured
	Error           error
}

// BackendFactory creates backend instances for tasks.
// Parameters: agentRole, workDir (worktree path for the task).
// Returns: Backend instance or error.
type BackendFactory func(agentRole string, workDir string) (backend.Backend, error)

// ParallelRunnerConfig configures the parallel runner.
type ParallelRunnerConfig struct {
	ConcurrencyLimit int                       // Max concurrent tasks (default 4)
	MergeStrategy    worktree.MergeStrategy    // Merge strategy for worktrees (ignored when MergePipeline is set)
	WorktreeManager  *worktree.WorktreeManager // Worktree manager instance
	ProcessManager   *backend.ProcessManager   // Process manager for backend creation
	BackendConfigs   map[string]backend.Config // Maps agentRole to base backend config
	BackendFactory   BackendFactory            // Optional factory for testing (overrides BackendConfigs)
	EventBus         *events.EventBus          // Optional event bus (nil disables event publishing)
	Store            persistence.Store         // Optional persistence store (nil disables)

	// MergePipeline, when set, routes each completed task's worktree
	// through the full conflict-classification Merge Pipeline
	// instead of WorktreeManager.Merge's plain strategy merge.
	MergePipeline *merge.Pipeline

	// SharedContext, when set, makes the dispatch loop interface-aware:
	// tasks whose RequiresInterfaces are unready go to
	// TaskBlocked rather than TaskEligible, blockers are declared/resolved
	// through it, and completed tasks' ProvidesInterfaces are
	// auto-published at `ready`. Nil preserves the plain dependency-only
	// dispatch used by Executor/DAG.Eligible.
	SharedContext *sharedcontext.Store

	// SkipMerge, when true, leaves every completed task's worktree and
	// branch in place instead of integrating it (MergePipeline or
	// WorktreeManager.Merge). Used for `auto_merge: false` runs, where
	// integration is deferred to a later bulk merge pass.
	SkipMerge bool

	// PerTaskDeadline, when positive, bounds how long a single task's
	// backend.Send may run before it is treated as failed with reason
	// "timeout" and cancellation proceeds as usual.
	PerTaskDeadline time.Duration

	// Retry, when set, wraps each backend Send in exponential backoff
	// with a per-backend-type circuit breaker. Nil sends exactly once;
	// in-process backends are expected to carry their own policy.
	Retry *resilience.RetryConfig
}

// ParallelRunner executes DAG tasks concurrently with git worktree isolation.
type ParallelRunner struct {
	config           ParallelRunnerConfig
	dag              *scheduler.DAG
	lockMgr          *scheduler.ResourceLockManager
	mu               sync.Mutex
	mergeMu          sync.Mutex // Serializes git merge operations to prevent index.lock conflicts
	activeWorktrees  map[string]*worktree.WorktreeInfo
	results          []TaskResult
	sessions         map[string]string // Maps taskID -> sessionID for resume support
	agentSeq         map[string]int    // taskID -> next AgentUpdate.Seq, for SharedContext
	breakers         *resilience.CircuitBreakerRegistry
}

// NewParallelRunner creates a new parallel runner.
func NewParallelRunner(cfg ParallelRunnerConfig, dag *scheduler.DAG, lockMgr *scheduler.ResourceLockManager) *ParallelRunner {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 4
	}

	return &ParallelRunner{
		config:          cfg,
		dag:             dag,
		lockMgr:         lockMgr,
		activeWorktrees: make(map[string]*worktree.WorktreeInfo),
		results:         []TaskResult{},
		sessions:        make(map[string]string),
		agentSeq:        make(map[string]int),
		breakers:        resilience.NewCircuitBreakerRegistry(),
	}
}

// reportStatus mirrors a task's status into Shared Context as an
// AgentUpdate: the runner mirrors every event into Shared Context under
// the agent's identity. No-op when SharedContext is unset.
func (r *ParallelRunner) reportStatus(task *scheduler.Task, status, message string, artifacts json.RawMessage) {
	if r.config.SharedContext == nil {
		return
	}
	r.mu.Lock()
	r.agentSeq[task.ID]++
	seq := r.agentSeq[task.ID]
	r.mu.Unlock()

	_ = r.config.SharedContext.UpdateAgentStatus(sharedcontext.AgentUpdate{
		AgentID:   task.ID,
		Role:      task.AgentRole,
		Timestamp: time.Now(),
		Seq:       seq,
		Status:    status,
		Message:   message,
		Artifacts: artifacts,
	})
}

// publishProvidedInterfaces auto-registers a completed task's declared
// ProvidesInterfaces as `ready`: the backend contract yields an
// opaque artifact summary rather than a structured interface spec, so the
// runner publishes readiness itself once the owning task finishes
// successfully. Each is registered at version 1 unless a draft already
// exists for the same name and owner, in which case it is bumped to
// `ready`.
func (r *ParallelRunner) publishProvidedInterfaces(task *scheduler.Task, artifacts json.RawMessage) {
	if r.config.SharedContext == nil {
		return
	}
	for _, name := range task.ProvidesInterfaces {
		iface := sharedcontext.Interface{
			Name:    name,
			Kind:    "api",
			Owner:   task.ID,
			Spec:    artifacts,
			Status:  sharedcontext.InterfaceReady,
			Version: 1,
		}
		if existing, ok := r.config.SharedContext.GetInterface(name); ok && existing.Owner == task.ID {
			iface.Version = existing.Version + 1
		}
		if err := r.config.SharedContext.RegisterInterface(iface); err != nil {
			log.Printf("WARNING: failed to register interface %q for task %q: %v", name, task.ID, err)
		}
	}
}

// publish publishes an event to the event bus if configured.
func (r *ParallelRunner) publish(topic string, event events.Event) {
	if r.config.EventBus != nil {
		r.config.EventBus.Publish(topic, event)
	}
}

// checkpoint calls the given function with the store if configured.
// Errors are logged but do not halt execution.
func (r *ParallelRunner) checkpoint(fn func(persistence.Store) error) {
	if r.config.Store != nil {
		if err := fn(r.config.Store); err != nil {
			log.Printf("WARNING: checkpoint failed: %v", err)
		}
	}
}

// Run executes all eligible tasks concurrently with bounded concurrency.
func (r *ParallelRunner) Run(ctx context.Context) ([]TaskResult, error) {
	// Persist full DAG structure to store at the start
	if r.config.Store != nil {
		for _, task := range r.dag.Tasks() {
			if err := r.config.Store.SaveTask(ctx, task); err != nil {
				log.Printf("WARNING: failed to persist task %q: %v", task.ID, err)
			}
		}
	}

	// Clean stale worktrees from prior crashes
	if err := r.config.WorktreeManager.Prune(); err != nil {
		log.Printf("WARNING: failed to prune stale worktrees: %v", err)
	}

	// Cleanup active worktrees on exit (catches shutdown/panic paths)
	defer r.cleanupAllWorktrees()

	// Main execution loop
	for {
		// Check for context cancellation
		if err := ctx.Err(); err != nil {
			return r.results, err
		}

		// Get eligible tasks, consulting Shared Context for interface
		// readiness when configured.
		var eligible []*scheduler.Task
		if r.config.SharedContext != nil {
			var blocked []*scheduler.Task
			eligible, blocked = r.dag.EligibleWithInterfaces(r.config.SharedContext)
			r.declareBlockers(blocked)
		} else {
			eligible = r.dag.Eligible()
		}

		// Check if we're done
		running := r.countRunningTasks()
		if len(eligible) == 0 && running == 0 {
			if r.config.SharedContext != nil && r.dag.Deadlocked(r.config.SharedContext) {
				return r.results, &scheduler.DeadlockError{StuckTasks: r.stuckTaskIDs()}
			}
			// No eligible tasks and nothing running - we're done
			break
		}

		// If no eligible tasks but some are running, wait briefly before rechecking
		if len(eligible) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// Tie-break admission order: longest remaining chain
		// first, then priority, then stable ID.
		r.dag.SortReadyByPath(eligible)

		// Execute wave of tasks with bounded concurrency
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.config.ConcurrencyLimit)

		for _, task := range eligible {
			// Capture task for closure
			t := task
			g.Go(func() error {
				return r.executeTask(gctx, t)
			})
		}

		// Wait for wave to complete
		if err := g.Wait(); err != nil {
			// Context cancellation or unrecoverable error
			if ctx.Err() != nil {
				return r.results, ctx.Err()
			}
			// Task errors are tracked in DAG, not returned here
		}

		// Publish progress after wave completes
		r.publishProgress()
	}

	return r.results, nil
}

// declareBlockers records a Shared Context blocker for every required
// interface a blocked task is still waiting on, per the Blocker
// lifecycle. DeclareBlocker is idempotent to repeated identical calls (it
// just replaces the record), so calling this every tick is safe.
func (r *ParallelRunner) declareBlockers(blocked []*scheduler.Task) {
	if r.config.SharedContext == nil {
		return
	}
	for _, task := range blocked {
		_, pending := r.config.SharedContext.CheckDependencies(task.ID, task.RequiresInterfaces)
		for _, name := range pending {
			_ = r.config.SharedContext.DeclareBlocker(sharedcontext.Blocker{
				TaskID:        task.ID,
				InterfaceName: name,
				Reason:        fmt.Sprintf("waiting on interface %q", name),
				DeclaredAt:    time.Now(),
			})
		}
	}
}

// stuckTaskIDs lists every non-terminal task, for the Deadlock error's
// task listing.
func (r *ParallelRunner) stuckTaskIDs() []string {
	var ids []string
	for _, t := range r.dag.Tasks() {
		switch t.Status {
		case scheduler.TaskPending, scheduler.TaskBlocked, scheduler.TaskEligible:
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// countRunningTasks returns the number of tasks currently running.
func (r *ParallelRunner) countRunningTasks() int {
	count := 0
	for _, task := range r.dag.Tasks() {
		if task.Status == scheduler.TaskRunning {
			count++
		}
	}
	return count
}

// executeTask executes a single task in its own worktree.
func (r *ParallelRunner) executeTask(ctx context.Context, task *scheduler.Task) error {
	startTime := time.Now()

	// Check context early
	if err := ctx.Err(); err != nil {
		markErr := fmt.Errorf("context cancelled before execution: %w", err)
		_ = r.dag.MarkFailed(task.ID, markErr)
		return nil // Return nil to not abort errgroup
	}

	// Mark task as running
	if err := r.dag.MarkRunning(task.ID); err != nil {
		log.Printf("ERROR: failed to mark task %q as running: %v", task.ID, err)
		return nil
	}

	// Checkpoint: task status changed to Running
	r.checkpoint(func(s persistence.Store) error {
		return s.UpdateTaskStatus(ctx, task.ID, scheduler.TaskRunning, "", nil)
	})

	// Publish TaskStarted event
	r.publish(events.TopicTask, events.TaskStartedEvent{
		ID:        task.ID,
		Name:      task.Name,
		AgentRole: task.AgentRole,
		Timestamp: time.Now(),
	})
	r.reportStatus(task, "running", "", nil)

	// Create worktree
	wtInfo, err := r.config.WorktreeManager.Create(task.ID, task.AgentRole, task.Name)
	if err != nil {
		_ = r.dag.MarkFailed(task.ID, fmt.Errorf("failed to create worktree: %w", err))
		r.recordResult(TaskResult{
			TaskID:  task.ID,
			Success: false,
			Error:   err,
		})
		return nil
	}

	// Track worktree
	r.mu.Lock()
	r.activeWorktrees[task.ID] = wtInfo
	r.mu.Unlock()

	// Ensure cleanup if we exit early
	defer func() {
		r.mu.Lock()
		delete(r.activeWorktrees, task.ID)
		r.mu.Unlock()
	}()

	// Create per-task backend
	b, err := r.createBackend(task.AgentRole, wtInfo.Path)
	if err != nil {
		_ = r.config.WorktreeManager.ForceCleanup(wtInfo)
		_ = r.dag.MarkFailed(task.ID, err)
		r.recordResult(TaskResult{
			TaskID:  task.ID,
			Success: false,
			Error:   err,
		})
		return nil
	}
	defer b.Close()

	// Acquire file locks
	r.lockMgr.LockAll(task.WritesFiles)
	defer r.lockMgr.UnlockAll(task.WritesFiles)

	// Send task to backend, bounded by the configured per-task deadline.
	sendCtx := ctx
	if r.config.PerTaskDeadline > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, r.config.PerTaskDeadline)
		defer cancel()
	}
	// The backend sees the task description, the specs of the interfaces
	// the task consumes or publishes, and its file scope.
	msg := backend.Message{Content: task.Prompt, Role: "user", ScopeHints: task.WritesFiles}
	if r.config.SharedContext != nil {
		specs := make(map[string]string)
		for _, name := range append(append([]string{}, task.RequiresInterfaces...), task.ProvidesInterfaces...) {
			if iface, ok := r.config.SharedContext.GetInterface(name); ok && len(iface.Spec) > 0 {
				specs[name] = string(iface.Spec)
			}
		}
		if len(specs) > 0 {
			msg.InterfaceSpecs = specs
		}
	}
	var resp backend.Response
	if r.config.Retry != nil {
		resp, err = resilience.Send(sendCtx, b, msg, r.breakers, r.backendType(task), *r.config.Retry)
	} else {
		resp, err = b.Send(sendCtx, msg)
	}
	if err != nil && sendCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("task %q exceeded per-task deadline of %s: %w", task.ID, r.config.PerTaskDeadline, err)
	}
	if err != nil {
		_ = r.config.WorktreeManager.ForceCleanup(wtInfo)
		taskErr := err
		_ = r.dag.MarkFailed(task.ID, taskErr)

		// Checkpoint: task failed
		r.checkpoint(func(s persistence.Store) error {
			return s.UpdateTaskStatus(ctx, task.ID, scheduler.TaskFailed, "", taskErr)
		})

		// Publish TaskFailed event
		r.publish(events.TopicTask, events.TaskFailedEvent{
			ID:       task.ID,
			Err:      taskErr,
			Duration: time.Since(startTime),
			Timestamp: time.Now(),
		})
		r.reportStatus(task, "failed", taskErr.Error(), nil)
		if r.config.SharedContext != nil && task.FailureMode == scheduler.FailHard {
			cancelled := r.dag.CancelDependents(task.ID)
			for _, id := range cancelled {
				r.checkpoint(func(s persistence.Store) error {
					return s.UpdateTaskStatus(ctx, id, scheduler.TaskCancelled, "", nil)
				})
			}
		}

		r.recordResult(TaskResult{
			TaskID:  task.ID,
			Success: false,
			Error:   taskErr,
		})
		return nil
	}

	// Mark task completed
	_ = r.dag.MarkCompleted(task.ID, resp.Content)

	// Checkpoint: save conversation, session, and completed status
	r.checkpoint(func(s persistence.Store) error {
		// Save the prompt we sent
		if err := s.SaveMessage(ctx, task.ID, "user", task.Prompt); err != nil {
			return err
		}
		// Save the response we received
		if err := s.SaveMessage(ctx, task.ID, "assistant", resp.Content); err != nil {
			return err
		}
		// Save session for resume capability
		if err := s.SaveSession(ctx, task.ID, b.SessionID(), r.backendType(task)); err != nil {
			return err
		}
		return s.UpdateTaskStatus(ctx, task.ID, scheduler.TaskCompleted, resp.Content, nil)
	})

	// Publish TaskCompleted event
	r.publish(events.TopicTask, events.TaskCompletedEvent{
		ID:       task.ID,
		Result:   resp.Content,
		Duration: time.Since(startTime),
		Timestamp: time.Now(),
	})
	artifacts, _ := json.Marshal(map[string]string{"result": resp.Content})
	r.reportStatus(task, "done", "", artifacts)
	r.publishProvidedInterfaces(task, artifacts)

	if r.config.SkipMerge {
		r.recordResult(TaskResult{TaskID: task.ID, Success: true})
		return nil
	}

	if r.config.MergePipeline != nil {
		return r.finishWithPipeline(task, wtInfo)
	}

	// Merge worktree back to main (serialized to prevent git index.lock conflicts)
	r.mergeMu.Lock()
	mergeResult, err := r.config.WorktreeManager.Merge(wtInfo, r.config.MergeStrategy)
	r.mergeMu.Unlock()

	// Publish TaskMerged event
	r.publish(events.TopicTask, events.TaskMergedEvent{
		ID:            task.ID,
		Merged:        mergeResult != nil && mergeResult.Merged,
		ConflictFiles: func() []string {
			if mergeResult != nil {
				return mergeResult.ConflictFiles
			}
			return []string{}
		}(),
		Timestamp: time.Now(),
	})

	if err != nil {
		log.Printf("ERROR: unexpected error during merge operation for task %q: %v", task.ID, err)
		_ = r.config.WorktreeManager.ForceCleanup(wtInfo)
		r.recordResult(TaskResult{
			TaskID:      task.ID,
			Success:     false,
			MergeResult: mergeResult,
			Error:       err,
		})
		return nil
	}

	// Check merge result
	if !mergeResult.Merged {
		// Merge conflict - work succeeded but merge failed
		log.Printf("WARNING: merge conflict for task %q: %v", task.ID, mergeResult.Error)
		_ = r.config.WorktreeManager.Cleanup(wtInfo) // Keep branch for inspection
		r.recordResult(TaskResult{
			TaskID:      task.ID,
			Success:     true, // Task succeeded, merge failed
			MergeResult: mergeResult,
			Error:       mergeResult.Error,
		})
		return nil
	}

	// Merge succeeded - cleanup worktree
	if err := r.config.WorktreeManager.Cleanup(wtInfo); err != nil {
		log.Printf("WARNING: failed to cleanup worktree for task %q: %v", task.ID, err)
	}

	// Record success
	r.recordResult(TaskResult{
		TaskID:      task.ID,
		Success:     true,
		MergeResult: mergeResult,
		Error:       nil,
	})

	return nil
}

// finishWithPipeline merges wtInfo through the full conflict-classification
// Merge Pipeline instead of WorktreeManager.Merge's plain strategy
// merge, and records the result. The pipeline itself discards the
// worktree on success; on conflict it leaves the worktree and base branch
// in their pre-attempt/partial state per the pipeline's own contract.
func (r *ParallelRunner) finishWithPipeline(task *scheduler.Task, wtInfo *worktree.WorktreeInfo) error {
	r.mergeMu.Lock()
	outcome, err := r.config.MergePipeline.Merge(wtInfo)
	r.mergeMu.Unlock()

	conflictFiles := []string{}
	if outcome != nil {
		for _, c := range outcome.Conflicts {
			conflictFiles = append(conflictFiles, c.File)
		}
	}
	r.publish(events.TopicTask, events.TaskMergedEvent{
		ID:            task.ID,
		Merged:        outcome != nil && outcome.Merged,
		ConflictFiles: conflictFiles,
		Timestamp:     time.Now(),
	})

	if err != nil {
		var conflictErr *merge.ErrMergeConflict
		if errors.As(err, &conflictErr) {
			log.Printf("WARNING: merge conflict for task %q: %v", task.ID, err)
			r.recordResult(TaskResult{
				TaskID:          task.ID,
				Success:         true, // Task succeeded, merge failed
				PipelineOutcome: outcome,
				Error:           err,
			})
			return nil
		}
		log.Printf("ERROR: unexpected error during merge pipeline for task %q: %v", task.ID, err)
		_ = r.config.WorktreeManager.ForceCleanup(wtInfo)
		r.recordResult(TaskResult{
			TaskID:          task.ID,
			Success:         false,
			PipelineOutcome: outcome,
			Error:           err,
		})
		return nil
	}

	r.recordResult(TaskResult{
		TaskID:          task.ID,
		Success:         true,
		PipelineOutcome: outcome,
	})
	return nil
}

// createBackend creates a backend instance for the given agent role with worktree WorkDir.
func (r *ParallelRunner) createBackend(agentRole string, workDir string) (backend.Backend, error) {
	// Use factory if provided (for testing)
	if r.config.BackendFactory != nil {
		return r.config.BackendFactory(agentRole, workDir)
	}

	// Otherwise use BackendConfigs
	baseCfg, ok := r.config.BackendConfigs[agentRole]
	if !ok {
		return nil, fmt.Errorf("no backend config for agent role %q", agentRole)
	}

	// Clone config and set WorkDir to worktree path
	cfg := baseCfg
	cfg.WorkDir = workDir

	// Persisted sessions (r.sessions) are not consulted here: every task
	// gets a fresh backend session.

	return backend.New(cfg, r.config.ProcessManager)
}

// recordResult appends a task result in a thread-safe manner.
func (r *ParallelRunner) recordResult(result TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

// cleanupAllWorktrees force-cleans all active worktrees.
func (r *ParallelRunner) cleanupAllWorktrees() {
	r.mu.Lock()
	worktrees := make([]*worktree.WorktreeInfo, 0, len(r.activeWorktrees))
	for _, wt := range r.activeWorktrees {
		worktrees = append(worktrees, wt)
	}
	r.mu.Unlock()

	for _, wt := range worktrees {
		if err := r.config.WorktreeManager.ForceCleanup(wt); err != nil {
			log.Printf("ERROR: failed to force cleanup worktree %q: %v", wt.TaskID, err)
		}
	}
}

// publishProgress computes current DAG progress and publishes a DAGProgressEvent.
func (r *ParallelRunner) publishProgress() {
	tasks := r.dag.Tasks()
	var total, completed, running, failed, pending int
	total = len(tasks)

	for _, t := range tasks {
		switch t.Status {
		case scheduler.TaskCompleted:
			completed++
		case scheduler.TaskRunning:
			running++
		case scheduler.TaskFailed:
			failed++
		default:
			pending++
		}
	}

	r.publish(events.TopicDAG, events.DAGProgressEvent{
		Total:     total,
		Completed: completed,
		Running:   running,
		Failed:    failed,
		Pending:   pending,
		Timestamp: time.Now(),
	})
}

// backendType looks up the backend type from config for a given task.
// Returns "unknown" if not found.
func (r *ParallelRunner) backendType(task *scheduler.Task) string {
	if cfg, ok := r.config.BackendConfigs[task.AgentRole]; ok {
		return cfg.Type
	}
	return "unknown"
}

// Resume reconstructs the DAG from the persisted store and continues execution.
// Completed and Failed tasks are skipped; only Pending and eligible tasks are executed.
func (r *ParallelRunner) Resume(ctx context.Context) ([]TaskResult, error) {
	if r.config.Store == nil {
		return nil, fmt.Errorf("cannot resume: no Store configured")
	}

	// Load all tasks from store
	tasks, err := r.config.Store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks from store: %w", err)
	}

	// Create a new DAG and add each task
	dag := scheduler.NewDAG()
	for _, task := range tasks {
		if err := dag.AddTask(task); err != nil {
			return nil, fmt.Errorf("failed to add task %q to DAG: %w", task.ID, err)
		}
	}

	// Validate DAG (cycle detection)
	if _, err := dag.Validate(); err != nil {
		return nil, fmt.Errorf("DAG validation failed: %w", err)
	}

	// Set reconstructed DAG
	r.dag = dag

	// Load persisted sessions for resume support
	for _, task := range tasks {
		sessionID, _, err := r.config.Store.GetSession(ctx, task.ID)
		if err == nil {
			r.sessions[task.ID] = sessionID
		}
		// Ignore errors - not all tasks will have sessions
	}

	// Run the DAG - eligible() will skip Completed/Failed tasks
	return r.Run(ctx)
}
