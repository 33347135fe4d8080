package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/stagegate/internal/eventbridge"
	"github.com/kingrea/stagegate/internal/history"
	"github.com/kingrea/stagegate/internal/logbook"
	"github.com/kingrea/stagegate/internal/notify"
	"github.com/kingrea/stagegate/internal/orchestrator"
	"github.com/kingrea/stagegate/internal/plan"
	"github.com/kingrea/stagegate/internal/tui"
)

type runOptions struct {
	planPath    string
	plain       bool
	bridge      bool
	logbookPath string
	noLogbook   bool
	noHistory   bool
	hold        bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Release the calls of a plan and show progress",
	Long: `Registers every call in the plan, starts the stage clock and renders
progress until the run settles: the complete stage has been reached and
every call is enabled. With --hold the run stays up until interrupted, which
keeps the HTTP bridge available for inspection.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd.Context(), cmd.OutOrStdout(), runOpts)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.planPath, "plan", "p", "", "plan file (required)")
	f.BoolVar(&runOpts.plain, "plain", false, "print events as lines instead of the dashboard")
	f.BoolVar(&runOpts.bridge, "bridge", false, "serve the HTTP bridge even if the config disables it")
	f.StringVar(&runOpts.logbookPath, "logbook", "", "timeline file (default .stagegate/logs/timeline.log)")
	f.BoolVar(&runOpts.noLogbook, "no-logbook", false, "do not write the timeline file")
	f.BoolVar(&runOpts.noHistory, "no-history", false, "do not record the run in the history database")
	f.BoolVar(&runOpts.hold, "hold", false, "keep running after the run settles")
	_ = runCmd.MarkFlagRequired("plan")
}

func runPlan(parent context.Context, out io.Writer, opts runOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := plan.Load(opts.planPath)
	if err != nil {
		return err
	}
	orchCfg, err := cfg.Orchestrator()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts.plain)
	if err != nil {
		return err
	}
	defer logger.Close()
	for call, deps := range p.Unresolved() {
		logger.Warn("plan call depends on undeclared calls",
			zap.String("call_id", call), zap.Strings("dependencies", deps))
	}

	orch, err := orchestrator.New(orchCfg, orchestrator.WithLogger(logger.Logger))
	if err != nil {
		return err
	}
	defer orch.Close()
	logger.Info("run starting", zap.String("run", orch.ID()), zap.String("plan", p.ID))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	// Recorders drain their feeds until orch.Close ends them, so the closing
	// events land even after a signal.
	recordCtx := context.WithoutCancel(ctx)

	// finish is the only teardown path. The orchestrator closes first so
	// every follower sees the closed event, and the history store is
	// finished and closed only after the followers have returned.
	var store *history.Store
	var finished bool
	finish := func() orchestrator.Snapshot {
		finished = true
		snap := orch.Snapshot()
		orch.Close()
		stop()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("run teardown", zap.Error(err))
		}
		if store != nil {
			if err := store.FinishRun(context.Background(), orch.ID(), time.Now(), snap.Stage, snap.Progress); err != nil {
				logger.Warn("record run result", zap.Error(err))
			}
			if err := store.Close(); err != nil {
				logger.Warn("close history", zap.Error(err))
			}
		}
		return snap
	}
	defer func() {
		if !finished {
			finish()
		}
	}()

	var book *logbook.Logbook
	if !opts.noLogbook {
		path := opts.logbookPath
		if path == "" {
			path = cfg.LogbookPath()
		}
		if book, err = logbook.New(path); err != nil {
			return err
		}
		book.Info("run %s plan %s", orch.ID(), p.ID)
		sub := orch.Subscribe()
		g.Go(func() error {
			defer sub.Close()
			book.Follow(recordCtx, sub.Events)
			return nil
		})
	}

	if !opts.noHistory {
		opened, err := history.Open(ctx, filepath.Join(cfg.StagegateProjectDir, "history.db"))
		if err != nil {
			return err
		}
		if err := opened.BeginRun(ctx, orch.ID(), p.ID, time.Now()); err != nil {
			_ = opened.Close()
			return err
		}
		store = opened
		sub := orch.Subscribe()
		g.Go(func() error {
			defer sub.Close()
			_, err := opened.Follow(recordCtx, orch.ID(), sub.Events)
			return err
		})
	}

	settings := eventbridge.SettingsFromConfig(cfg)
	if opts.bridge {
		settings.Enabled = true
	}
	if settings.Enabled {
		srv := eventbridge.NewServer(settings, orch, eventbridge.WithLogger(logger.Logger))
		if err := srv.Start(gctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "bridge listening on %s\n", srv.BaseURL())
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	view := orch.Subscribe()
	if err := p.Apply(orch); err != nil {
		view.Close()
		return err
	}
	orch.Start()

	uiErr := func() error {
		defer view.Close()
		if opts.plain {
			return followPlain(ctx, out, orch, view.Events, opts.hold)
		}
		model := tui.New(orch, view.Events,
			tui.WithLogbook(book),
			tui.WithExitOnComplete(!opts.hold),
			tui.WithTitle("STAGEGATE · "+planTitle(p)))
		_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}()

	snap := finish()
	fmt.Fprint(out, tui.Summary(snap))
	logger.Info("run finished",
		zap.String("run", orch.ID()),
		zap.Stringer("stage", snap.Stage),
		zap.Float64("progress", snap.Progress))
	return uiErr
}

// followPlain prints one line per event until the run settles, the feed
// closes or ctx is done.
func followPlain(ctx context.Context, out io.Writer, orch *orchestrator.Orchestrator, events <-chan notify.Event, hold bool) error {
	var start time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if start.IsZero() {
				start = ev.At
			}
			fmt.Fprintf(out, "%7s  %s\n", ev.At.Sub(start).Round(time.Millisecond), plainLine(ev))
			if !hold && tui.Settled(orch.Snapshot()) {
				return nil
			}
		}
	}
}

func plainLine(ev notify.Event) string {
	switch ev.Kind {
	case notify.KindRegistered:
		return fmt.Sprintf("registered  %-20s %s", ev.CallID, ev.Tier)
	case notify.KindEnabled:
		return fmt.Sprintf("enabled     %-20s %s  %5.1f%%", ev.CallID, ev.Tier, ev.Progress)
	case notify.KindStage:
		return fmt.Sprintf("stage       %s", ev.Stage)
	default:
		return string(ev.Kind)
	}
}

func planTitle(p plan.Plan) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
