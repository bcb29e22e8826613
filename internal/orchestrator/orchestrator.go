// Package orchestrator is the single programmatic facade:
// validate_plan, run, status, merge_all, cancel. It wires together every
// other component package (plan, sharedcontext, scheduler, worktree,
// agent, merge, events, persistence, config) into one entry point so a
// caller — the CLI or an embedder — never touches the component packages
// directly.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clod/orchestrator/internal/agent"
	"github.com/clod/orchestrator/internal/backend"
	"github.com/clod/orchestrator/internal/config"
	"github.com/clod/orchestrator/internal/events"
	"github.com/clod/orchestrator/internal/merge"
	"github.com/clod/orchestrator/internal/persistence"
	"github.com/clod/orchestrator/internal/plan"
	"github.com/clod/orchestrator/internal/resilience"
	"github.com/clod/orchestrator/internal/scheduler"
	"github.com/clod/orchestrator/internal/sharedcontext"
	"github.com/clod/orchestrator/internal/worktree"
)

// stateDir is the per-repo directory holding Shared Context, the event
// log, and (optionally) the SQLite persistence store.
const stateDir = ".clod"

// RunOptions configures one run() call.
type RunOptions struct {
	// MaxParallel bounds concurrent task execution. EffectiveMaxParallel
	// resolves this against the plan's execution_mode.
	MaxParallel int

	// AutoMerge, when true, routes every completed task's worktree through
	// the Merge Pipeline immediately. When false, worktrees and branches
	// are left in place for a later MergeAll call.
	AutoMerge bool

	// PerTaskDeadline bounds a single task's backend invocation.
	PerTaskDeadline time.Duration

	// BaseBranch is the branch tasks are integrated into. Defaults to
	// "main" when empty.
	BaseBranch string

	// BackendFactory, when set, overrides the config-derived backend
	// construction with an in-process one. Embedders and tests use this
	// to supply a backend.MockAdapter instead of shelling out to a CLI.
	BackendFactory agent.BackendFactory

	// AssistedResolution enables the AI-assisted conflict resolver for
	// ambiguous merge hunks, backed by the configured "resolver" agent.
	// Off, such hunks are left for manual resolution.
	AssistedResolution bool
}

// RunOutcome is the result of run().
type RunOutcome struct {
	TaskResults []agent.TaskResult
	Err         error
}

// Orchestrator is the facade. One instance binds to one repository.
type Orchestrator struct {
	repoPath   string
	cfg        *config.OrchestratorConfig
	processMgr *backend.ProcessManager
	persist    persistence.Store

	store *sharedcontext.Store
	bus   *events.EventBus
	log   *events.Log

	mu     sync.Mutex
	runner *agent.ParallelRunner
	dag    *scheduler.DAG
	cancel context.CancelFunc
}

// New opens (or creates) the Shared Context store and event log under
// repoPath/.clod and returns a ready-to-use facade. cfg may be nil, in
// which case config.DefaultConfig is used. persist may be nil, disabling
// the optional SQLite checkpoint trail.
func New(repoPath string, cfg *config.OrchestratorConfig, persist persistence.Store) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	dir := filepath.Join(repoPath, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: failed to create %s: %w", dir, err)
	}

	store, err := sharedcontext.New(filepath.Join(dir, "shared_context.json"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to open shared context: %w", err)
	}

	bus := events.NewEventBus()
	log, err := events.OpenLog(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("orchestrator: failed to open event log: %w", err)
	}
	store.SetEventBus(bus)
	go log.Drain(bus.SubscribeAll(64))

	return &Orchestrator{
		repoPath:   repoPath,
		cfg:        cfg,
		processMgr: backend.NewProcessManager(),
		persist:    persist,
		store:      store,
		bus:        bus,
		log:        log,
	}, nil
}

// Close releases the event log file handle. The EventBus itself is left
// open for any still-draining subscriber; callers that want a hard stop
// should call Cancel first.
func (o *Orchestrator) Close() error {
	return o.log.Close()
}

// ValidatePlan runs the plan's three static checks and returns the
// topological task order on success.
func (o *Orchestrator) ValidatePlan(p plan.TeamPlan) ([]string, error) {
	return plan.Validate(p, o.store)
}

// Status returns the current Shared Context snapshot and, when a run is
// in flight (or has just finished), the per-task states from that run's
// DAG, per status() -> snapshot of Shared Context and per-task states.
func (o *Orchestrator) Status() (sharedcontext.Snapshot, []*scheduler.Task) {
	o.mu.Lock()
	dag := o.dag
	o.mu.Unlock()

	var tasks []*scheduler.Task
	if dag != nil {
		tasks = dag.Tasks()
	}
	return o.store.ExportSummary(), tasks
}

// Cancel stops the in-flight run, if any. Per the cancellation contract,
// this moves every non-terminal task toward cancelled and instructs the
// Agent Runner to terminate each running task; worktrees of cancelled
// tasks are left in place. Cancel is a no-op when no run is active.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Run validates and dispatches p, per run(plan, options) -> RunOutcome.
// It builds a fresh scheduler DAG and Agent Runner for this invocation;
// only one run may be active on a given Orchestrator at a time.
func (o *Orchestrator) Run(ctx context.Context, p plan.TeamPlan, opts RunOptions) (*RunOutcome, error) {
	if _, err := o.ValidatePlan(p); err != nil {
		return &RunOutcome{Err: err}, err
	}

	p = plan.ApplyMode(p)
	maxParallel := plan.EffectiveMaxParallel(p.ExecutionMode, opts.MaxParallel)

	dag, err := buildDAG(p)
	if err != nil {
		return &RunOutcome{Err: err}, err
	}

	// Persist the plan under .clod so the run can be inspected (and its
	// progress reconstructed) out of process, per the persistence layout.
	planPath := filepath.Join(o.repoPath, stateDir, "implementation_plan.json")
	if err := plan.Save(planPath, p); err != nil {
		return &RunOutcome{Err: err}, err
	}

	baseBranch := opts.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	wm := worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
		RepoPath:   p.ProjectPath,
		BaseBranch: baseBranch,
	})

	pipeline := merge.NewPipeline(p.ProjectPath, baseBranch, wm, o.assistedResolver(opts, p.ProjectPath))
	pipeline.SetEventBus(o.bus)

	runnerCfg := agent.ParallelRunnerConfig{
		ConcurrencyLimit: maxParallel,
		WorktreeManager:  wm,
		ProcessManager:   o.processMgr,
		BackendConfigs:   backendConfigsFor(o.cfg),
		BackendFactory:   opts.BackendFactory,
		EventBus:         o.bus,
		Store:            o.persist,
		SharedContext:    o.store,
		PerTaskDeadline:  opts.PerTaskDeadline,
	}
	if opts.AutoMerge {
		runnerCfg.MergePipeline = pipeline
	} else {
		runnerCfg.SkipMerge = true
	}
	if opts.BackendFactory == nil {
		// Subprocess CLI backends are flaky transports; guard them with
		// retry and a per-type circuit breaker. An injected in-process
		// backend carries its own policy.
		retryCfg := resilience.DefaultRetryConfig()
		runnerCfg.Retry = &retryCfg
	}

	runner := agent.NewParallelRunner(runnerCfg, dag, scheduler.NewResourceLockManager())

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.runner = runner
	o.dag = dag
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
		cancel()
	}()

	results, runErr := runner.Run(runCtx)
	outcome := &RunOutcome{TaskResults: results}

	switch {
	case runCtx.Err() == context.Canceled:
		outcome.Err = ErrCancelled
		return outcome, ErrCancelled
	case runErr != nil:
		outcome.Err = runErr
		return outcome, runErr
	}
	return outcome, nil
}

// MergeAll integrates every worktree branch still outstanding under
// repoPath into base using strategy, per merge_all(base, strategy) ->
// [MergeOutcome]. It is the deferred counterpart to AutoMerge: a run
// started with auto_merge=false leaves branches in place, and a later
// MergeAll call (after operator review, say) folds them in bulk.
func (o *Orchestrator) MergeAll(base string, strategy worktree.MergeStrategy) ([]*merge.Outcome, error) {
	wm := worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
		RepoPath:   o.repoPath,
		BaseBranch: base,
	})

	infos, err := wm.List()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to list worktrees: %w", err)
	}

	outcomes := make([]*merge.Outcome, 0, len(infos))
	for i := range infos {
		info := infos[i]
		result, mergeErr := wm.Merge(&info, strategy)

		outcome := &merge.Outcome{Branch: info.Branch}
		if mergeErr != nil {
			outcome.Err = mergeErr
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Merged = result.Merged
		if !result.Merged {
			outcome.Err = result.Error
		}

		o.bus.Publish(events.TopicMerge, events.MergeOutcomeEvent{
			Branch:        info.Branch,
			TaskID_:       info.TaskID,
			Merged:        result.Merged,
			ConflictFiles: result.ConflictFiles,
			Timestamp:     time.Now(),
		})

		if result.Merged {
			_ = wm.Cleanup(&info)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// assistedResolver builds the AI-assisted conflict resolver when the run
// asks for it and a "resolver" agent is configured. Returns nil otherwise;
// the pipeline then routes ambiguous hunks to manual resolution.
func (o *Orchestrator) assistedResolver(opts RunOptions, projectPath string) merge.AssistedResolver {
	if !opts.AssistedResolution {
		return nil
	}
	cfg, ok := backendConfigsFor(o.cfg)["resolver"]
	if !ok {
		return nil
	}
	cfg.WorkDir = projectPath
	b, err := backend.New(cfg, o.processMgr)
	if err != nil {
		return nil
	}
	return merge.NewBackendResolver(b)
}

// backendConfigsFor derives one backend.Config per configured agent role
// from cfg.Agents/cfg.Providers, per config.AgentConfig's doc comment.
func backendConfigsFor(cfg *config.OrchestratorConfig) map[string]backend.Config {
	out := make(map[string]backend.Config, len(cfg.Agents))
	for role, agentCfg := range cfg.Agents {
		provider, ok := cfg.Providers[agentCfg.Provider]
		if !ok {
			continue
		}
		out[role] = backend.Config{
			Type:         provider.Type,
			Model:        agentCfg.Model,
			SystemPrompt: agentCfg.SystemPrompt,
		}
	}
	return out
}
