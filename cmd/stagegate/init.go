package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kingrea/stagegate/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .stagegate/ with a default config in the current directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		if err := config.InitStagegateDir(cwd); err != nil {
			return fmt.Errorf("initialize %s: %w", config.StagegateDir, err)
		}
		cfg, err := config.NewConfig(cwd)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("ready"), cfg.ProjectConfigPath())
		return nil
	},
}
