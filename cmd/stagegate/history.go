package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/stagegate/internal/history"
	"github.com/kingrea/stagegate/internal/notify"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded runs or show the timeline of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := history.Open(cmd.Context(), filepath.Join(cfg.StagegateProjectDir, "history.db"))
		if err != nil {
			return err
		}
		defer store.Close()
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			events, err := store.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTimeline(out, events)
			return nil
		}
		runs, err := store.Runs(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		printRuns(out, runs)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")
}

func printRuns(out io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no runs recorded"))
		return
	}
	for _, run := range runs {
		stage := dimStyle.Render("unfinished")
		if !run.FinishedAt.IsZero() {
			stage = fmt.Sprintf("%s %5.1f%%", run.FinalStage, run.FinalProgress)
		}
		fmt.Fprintf(out, "%s  %s  %-24s %s\n",
			run.ID, run.StartedAt.Local().Format(time.DateTime), run.Plan, stage)
	}
}

func printTimeline(out io.Writer, events []notify.Event) {
	if len(events) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no events recorded"))
		return
	}
	start := events[0].At
	for _, ev := range events {
		fmt.Fprintf(out, "%7s  %s\n", ev.At.Sub(start).Round(time.Millisecond), plainLine(ev))
	}
}
