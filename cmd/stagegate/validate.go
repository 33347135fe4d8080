package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kingrea/stagegate/internal/orchestrator"
	"github.com/kingrea/stagegate/internal/plan"
	"github.com/kingrea/stagegate/internal/registry"
	"github.com/kingrea/stagegate/internal/tier"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
)

var validatePlanPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a plan and print its registration order",
	Long: `Parses the plan, rejects unknown tiers, duplicate ids and dependency
cycles, then prints the order calls are registered in together with the
release delay each one would get under the current config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		orchCfg, err := cfg.Orchestrator()
		if err != nil {
			return err
		}
		p, err := plan.Load(validatePlanPath)
		if err != nil {
			return err
		}
		return printPlan(cmd.OutOrStdout(), p, orchCfg)
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validatePlanPath, "plan", "p", "", "plan file (required)")
	_ = validateCmd.MarkFlagRequired("plan")
}

func printPlan(out io.Writer, p plan.Plan, cfg orchestrator.Config) error {
	ordered, err := p.Order()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render("plan"), planTitle(p))
	delays := projectedDelays(ordered, cfg.Registry)
	for i, ref := range ordered {
		t, _ := ref.ParsedTier()
		line := fmt.Sprintf("%2d. %-24s %-10s +%s", i+1, ref.ID, t, delays[ref.ID])
		if len(ref.DependsOn) > 0 {
			line += dimStyle.Render("  after " + strings.Join(ref.DependsOn, ", "))
		}
		fmt.Fprintln(out, line)
	}
	unresolved := p.Unresolved()
	if len(unresolved) == 0 {
		fmt.Fprintln(out, okStyle.Render("all dependencies declared"))
		return nil
	}
	ids := make([]string, 0, len(unresolved))
	for id := range unresolved {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "%s %s depends on undeclared %s\n",
			warnStyle.Render("warning"), id, strings.Join(unresolved[id], ", "))
	}
	return nil
}

// projectedDelays reports the delay each call gets when the whole plan is
// registered at once. Even zero-delay dependencies are released by a timer,
// so any dependency in the same batch counts as unmet.
func projectedDelays(ordered []plan.CallRef, cfg registry.Config) map[string]time.Duration {
	delays := make(map[string]time.Duration, len(ordered))
	for _, ref := range ordered {
		t, err := ref.ParsedTier()
		if err != nil {
			t = tier.Background
		}
		delays[ref.ID] = cfg.Delay(t, len(ref.DependsOn) == 0)
	}
	return delays
}
