package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the run in progress",
	Long: `Signal the 'clod run' process recorded in the repository's pid file to
stop. The run cancels each running agent, marks every not-yet-terminal
task cancelled, and leaves cancelled tasks' worktrees in place.`,
	Args: cobra.NoArgs,
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(_ *cobra.Command, _ []string) error {
	pidPath := stateFile("clod.pid")
	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no run in progress (no pid file at %s)", pidPath)
		}
		return fmt.Errorf("reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("pid file %s is corrupt: %w", pidPath, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// The run already exited but left its pid file behind.
		os.Remove(pidPath)
		return fmt.Errorf("no run in progress (process %d is gone)", pid)
	}

	fmt.Printf("Cancellation signalled to run (pid %d).\n", pid)
	return nil
}
