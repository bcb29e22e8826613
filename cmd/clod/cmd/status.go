package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/clod/orchestrator/internal/plan"
	"github.com/clod/orchestrator/internal/sharedcontext"
)

var (
	statusJSON  bool
	statusWatch bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shared context and per-task states",
	Long: `Display the latest agent statuses, registered interfaces, and open
blockers from the repository's shared context, plus the task list of the
most recent plan. With --watch, re-renders whenever the running
orchestrator writes an update.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "re-render on every shared context write")
}

func runStatus(_ *cobra.Command, _ []string) error {
	if err := printStatus(); err != nil {
		return err
	}
	if !statusWatch {
		return nil
	}

	// Shared context writes are atomic temp+rename, so watch the .clod
	// directory and react to the rename landing, not to partial writes.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(stateFile("")); err != nil {
		return fmt.Errorf("watching %s: %w", stateFile(""), err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != stateFile("shared_context.json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			fmt.Println()
			if err := printStatus(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher: %w", err)
		}
	}
}

func printStatus() error {
	store, err := sharedcontext.New(stateFile("shared_context.json"))
	if err != nil {
		return err
	}
	snapshot := store.ExportSummary()

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}

	if p, err := plan.Load(stateFile("implementation_plan.json")); err == nil {
		fmt.Printf("Plan: %s (%d tasks, mode %s)\n", p.MainDescription, len(p.Tasks), p.ExecutionMode)
	}

	if len(snapshot.Agents) == 0 && len(snapshot.Interfaces) == 0 {
		fmt.Println("No team activity recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if len(snapshot.Agents) > 0 {
		fmt.Fprintln(w, "AGENT\tROLE\tSTATUS\tLAST UPDATE")
		for _, id := range sortedKeys(snapshot.Agents) {
			update := snapshot.Agents[id]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, update.Role, update.Status, update.Timestamp.Format("15:04:05"))
		}
	}
	if len(snapshot.Interfaces) > 0 {
		fmt.Fprintln(w, "\nINTERFACE\tKIND\tOWNER\tSTATUS\tVERSION")
		for _, name := range sortedKeys(snapshot.Interfaces) {
			iface := snapshot.Interfaces[name]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\tv%d\n", name, iface.Kind, iface.Owner, iface.Status, iface.Version)
		}
	}
	if len(snapshot.Blockers) > 0 {
		fmt.Fprintln(w, "\nBLOCKED TASK\tWAITING ON\tREASON")
		for _, b := range snapshot.Blockers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", b.TaskID, b.InterfaceName, b.Reason)
		}
	}
	return w.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
