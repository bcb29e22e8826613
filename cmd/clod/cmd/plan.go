package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clod/orchestrator/internal/orchestrator"
	"github.com/clod/orchestrator/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan <plan.json>",
	Short: "Validate a team plan",
	Long: `Statically validate a team plan: unique task identifiers, resolvable
dependencies, an acyclic dependency graph, and a provider for every
required interface. Prints the execution order on success, or every
problem found on failure.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(_ *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	if p.ProjectPath == "" {
		p.ProjectPath = repoPath
	}

	orch, err := orchestrator.New(repoPath, loadedConfig, nil)
	if err != nil {
		return err
	}
	defer orch.Close()

	order, err := orch.ValidatePlan(p)
	if err != nil {
		var invalid *plan.InvalidPlanError
		if errors.As(err, &invalid) {
			fmt.Fprintf(os.Stderr, "Plan is invalid (%d problems):\n", len(invalid.Errors))
			for _, pe := range invalid.Errors {
				fmt.Fprintf(os.Stderr, "  - %s\n", pe.Error())
			}
		}
		return err
	}

	fmt.Printf("Plan is valid: %d tasks\n\n", len(p.Tasks))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tTASK\tROLE\tDEPENDS ON\tPROVIDES\tREQUIRES")
	byID := make(map[string]plan.Task, len(p.Tasks))
	for _, t := range p.Tasks {
		byID[t.ID] = t
	}
	for i, id := range order {
		t := byID[id]
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, t.ID, t.Role, joinOrDash(t.DependsOn), joinOrDash(t.Provides), joinOrDash(t.Requires))
	}
	return w.Flush()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	out := items[0]
	for _, item := range items[1:] {
		out += "," + item
	}
	return out
}
