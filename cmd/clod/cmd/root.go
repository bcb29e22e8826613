// Package cmd implements the clod CLI: the five subcommands that drive
// the orchestrator facade (plan, run, status, merge, cancel) and nothing
// else.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clod/orchestrator/internal/config"
)

var (
	repoPath string
	cfgFile  string

	// loadedConfig is populated by initConfig before any RunE executes.
	loadedConfig *config.OrchestratorConfig
)

var rootCmd = &cobra.Command{
	Use:   "clod",
	Short: "Team orchestration for concurrent code-writing agents",
	Long: `clod decomposes an engineering task into per-role subtasks, runs each
agent on its own branch in an isolated worktree, coordinates them through
a shared context, and merges the finished branches back to the mainline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the root command. Errors have already been printed by the
// time it returns; the caller only decides the exit code.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".",
		"path to the repository to orchestrate")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: <repo>/.clod/config.json layered over ~/.clod/config.json)")

	_ = viper.BindPFlag("repo", rootCmd.PersistentFlags().Lookup("repo"))
}

func initConfig() error {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return fmt.Errorf("resolving --repo: %w", err)
	}
	repoPath = abs

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	globalPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		globalPath = filepath.Join(home, ".clod", "config.json")
	}
	projectPath := filepath.Join(repoPath, ".clod", "config.json")

	loadedConfig, err = config.LoadWithViper(viper.GetViper(), globalPath, projectPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return nil
}

// stateFile returns the path of a file under the repo's .clod directory.
func stateFile(name string) string {
	return filepath.Join(repoPath, ".clod", name)
}
