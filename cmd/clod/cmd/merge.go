package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clod/orchestrator/internal/orchestrator"
	"github.com/clod/orchestrator/internal/worktree"
)

var (
	mergeBase     string
	mergeStrategy string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge outstanding task branches into the base branch",
	Long: `Integrate every worktree branch still attached to the repository into
the base branch, one at a time. The counterpart to 'run --auto-merge=false':
run leaves the branches in place for review, merge folds them in.`,
	Args: cobra.NoArgs,
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVar(&mergeBase, "base", "main", "branch to integrate into")
	mergeCmd.Flags().StringVar(&mergeStrategy, "strategy", "ort", "merge strategy (ort, ours, theirs, fast-forward, squash)")
}

func parseStrategy(name string) (worktree.MergeStrategy, error) {
	switch name {
	case "ort":
		return worktree.MergeOrt, nil
	case "ours":
		return worktree.MergeOurs, nil
	case "theirs":
		return worktree.MergeTheirs, nil
	case "fast-forward", "ff":
		return worktree.MergeFastForward, nil
	case "squash":
		return worktree.MergeSquash, nil
	default:
		return worktree.MergeOrt, fmt.Errorf("unknown merge strategy %q (want ort, ours, theirs, fast-forward, or squash)", name)
	}
}

func runMerge(_ *cobra.Command, _ []string) error {
	strategy, err := parseStrategy(mergeStrategy)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(repoPath, loadedConfig, nil)
	if err != nil {
		return err
	}
	defer orch.Close()

	outcomes, err := orch.MergeAll(mergeBase, strategy)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		fmt.Println("No outstanding branches to merge.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BRANCH\tRESULT\tDETAIL")
	var conflicts int
	for _, out := range outcomes {
		switch {
		case out.Merged:
			fmt.Fprintf(w, "%s\tmerged\t\n", out.Branch)
		default:
			conflicts++
			detail := ""
			if out.Err != nil {
				detail = out.Err.Error()
			}
			fmt.Fprintf(w, "%s\tconflict\t%s\n", out.Branch, detail)
		}
	}
	w.Flush()

	if conflicts > 0 {
		return fmt.Errorf("%d branch(es) did not merge cleanly; resolve or discard them", conflicts)
	}
	return nil
}
