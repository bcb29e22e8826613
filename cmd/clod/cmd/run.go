package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clod/orchestrator/internal/merge"
	"github.com/clod/orchestrator/internal/orchestrator"
	"github.com/clod/orchestrator/internal/persistence"
	"github.com/clod/orchestrator/internal/plan"
)

var (
	runMaxParallel int
	runAutoMerge   bool
	runBaseBranch  string
	runTaskTimeout time.Duration
	runAssisted    bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan.json>",
	Short: "Validate and execute a team plan",
	Long: `Validate the plan, then dispatch its tasks to agents under the
configured parallelism bound. Each task runs on its own branch in an
isolated worktree; with --auto-merge, finished branches are folded back
into the base branch as they complete.

A SIGINT or SIGTERM (or 'clod cancel' from another terminal) cancels the
run: running agents are stopped and every not-yet-terminal task is marked
cancelled. Worktrees of cancelled tasks are left in place.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 4, "maximum concurrently running tasks")
	runCmd.Flags().BoolVar(&runAutoMerge, "auto-merge", true, "merge each finished branch immediately")
	runCmd.Flags().StringVar(&runBaseBranch, "base", "main", "branch to integrate finished work into")
	runCmd.Flags().DurationVar(&runTaskTimeout, "task-timeout", 0, "per-task deadline (0 disables)")
	runCmd.Flags().BoolVar(&runAssisted, "assisted", false, "resolve ambiguous merge hunks with the configured resolver agent")
}

func runRun(_ *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	if p.ProjectPath == "" {
		p.ProjectPath = repoPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The SQLite trail records task checkpoints, sessions, and
	// conversation history so an interrupted run can be inspected and
	// resumed.
	store, err := persistence.NewSQLiteStore(ctx, stateFile("history.db"))
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	orch, err := orchestrator.New(repoPath, loadedConfig, store)
	if err != nil {
		return err
	}
	defer orch.Close()

	// Record this process so 'clod cancel' in another terminal can reach it.
	pidPath := stateFile("clod.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer os.Remove(pidPath)

	outcome, runErr := orch.Run(ctx, p, orchestrator.RunOptions{
		MaxParallel:        runMaxParallel,
		AutoMerge:          runAutoMerge,
		BaseBranch:         runBaseBranch,
		PerTaskDeadline:    runTaskTimeout,
		AssistedResolution: runAssisted,
	})

	printResults(outcome)

	if errors.Is(runErr, orchestrator.ErrCancelled) {
		fmt.Println("\nRun cancelled.")
		return runErr
	}
	return runErr
}

func printResults(outcome *orchestrator.RunOutcome) {
	if outcome == nil || len(outcome.TaskResults) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tRESULT\tMERGE\tDETAIL")
	for _, r := range outcome.TaskResults {
		result := "ok"
		if !r.Success {
			result = "failed"
		}

		mergeState, detail := "-", ""
		switch {
		case r.PipelineOutcome != nil && r.PipelineOutcome.Merged:
			mergeState = "merged"
		case r.PipelineOutcome != nil:
			mergeState = "conflict"
			var conflictErr *merge.ErrMergeConflict
			if errors.As(r.Error, &conflictErr) {
				for _, c := range conflictErr.Conflicts {
					if detail != "" {
						detail += ","
					}
					detail += c.File
				}
			}
		case r.MergeResult != nil && r.MergeResult.Merged:
			mergeState = "merged"
		case r.MergeResult != nil:
			mergeState = "conflict"
		}
		if detail == "" && r.Error != nil {
			detail = r.Error.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.TaskID, result, mergeState, detail)
	}
	w.Flush()
}
