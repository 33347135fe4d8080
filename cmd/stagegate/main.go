// cmd/stagegate/main.go
//
// Entry point for the stagegate CLI. `stagegate run` releases the calls of a
// plan through the staged orchestrator and shows progress until every stage
// has passed.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/stagegate/internal/config"
	"github.com/kingrea/stagegate/internal/logging"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "stagegate",
	Short: "Release calls in priority tiers on a fixed stage timeline",
	Long: `stagegate staggers the start of a page's data calls so critical calls
go first and background calls wait. Calls are declared in a plan file and
released by tier, with an extra delay for calls whose dependencies are not
yet enabled.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default .stagegate/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(runCmd, validateCmd, historyCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves --config or falls back to the project directory.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return config.NewConfig(cwd)
}

// newLogger writes JSON lines to the project log file and, when console is
// set, human-readable lines to stderr.
func newLogger(cfg *config.Config, console bool) (*logging.Logger, error) {
	opts := logging.Options{
		Level: cfg.Project.Logging.Level,
		File:  cfg.LogFilePath(),
	}
	if opts.File == "" {
		opts.File = filepath.Join(cfg.LogsDir(), "stagegate.log")
	}
	if verbose {
		opts.Level = "debug"
	}
	if console {
		opts.Console = os.Stderr
	}
	return logging.New(opts)
}
