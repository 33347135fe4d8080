package tui

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/stagegate/internal/clock"
	"github.com/kingrea/stagegate/internal/logbook"
	"github.com/kingrea/stagegate/internal/notify"
	"github.com/kingrea/stagegate/internal/orchestrator"
	"github.com/kingrea/stagegate/internal/tier"
)

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Time{})
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.WithClock(clk), orchestrator.WithBacklog(64))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	return orch, clk
}

// drain feeds every buffered event into the model and returns the last
// command it produced.
func drain(t *testing.T, m *Model, events <-chan notify.Event) tea.Cmd {
	t.Helper()
	var cmd tea.Cmd
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_, cmd = m.Update(feedClosedMsg{})
				return cmd
			}
			_, cmd = m.Update(eventMsg(ev))
		default:
			return cmd
		}
	}
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestModelTracksRun(t *testing.T) {
	orch, clk := newTestOrchestrator(t)
	sub := orch.Subscribe()
	m := New(orch, sub.Events)

	orch.Start()
	if err := orch.RegisterCall("overview", tier.Critical); err != nil {
		t.Fatal(err)
	}
	if err := orch.RegisterCall("segments", tier.Important, "overview"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(50 * time.Millisecond)
	drain(t, m, sub.Events)

	snap := m.Snapshot()
	if snap.Stage != tier.StageCritical {
		t.Fatalf("stage = %s, want critical", snap.Stage)
	}
	view := m.View()
	for _, want := range []string{"STAGEGATE", "critical", "✓ overview", "· segments ← overview", "q quit"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if m.Finished() {
		t.Fatalf("model should still be running")
	}
}

func TestModelExitOnComplete(t *testing.T) {
	orch, clk := newTestOrchestrator(t)
	sub := orch.Subscribe()
	m := New(orch, sub.Events, WithExitOnComplete(true))
	orch.Start()
	clk.Advance(800 * time.Millisecond)

	if cmd := drain(t, m, sub.Events); !isQuit(cmd) {
		t.Fatalf("expected quit once complete")
	}
	if !m.Finished() {
		t.Fatalf("expected finished")
	}
	if m.Snapshot().Stage != tier.Complete {
		t.Fatalf("stage = %s", m.Snapshot().Stage)
	}
}

func TestModelStaysOpenWithoutExitOnComplete(t *testing.T) {
	orch, clk := newTestOrchestrator(t)
	sub := orch.Subscribe()
	m := New(orch, sub.Events)
	orch.Start()
	clk.Advance(800 * time.Millisecond)

	// The last command keeps pumping the feed; running it would block.
	if cmd := drain(t, m, sub.Events); cmd == nil {
		t.Fatalf("expected the event pump to continue")
	}
	if !m.Finished() {
		t.Fatalf("expected finished after complete stage")
	}
	if !strings.Contains(m.View(), "complete") {
		t.Fatalf("view should show the complete stage:\n%s", m.View())
	}
}

func TestModelQuitsWhenFeedCloses(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	sub := orch.Subscribe()
	m := New(orch, sub.Events)
	orch.Close()
	if cmd := drain(t, m, sub.Events); !isQuit(cmd) {
		t.Fatalf("expected quit after close")
	}
}

func TestModelQuitKey(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	m := New(orch, make(chan notify.Event))
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !isQuit(cmd) {
		t.Fatalf("expected q to quit")
	}
	if m.View() != "" {
		t.Fatalf("expected empty view after quit")
	}
}

func TestModelRendersLogbook(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	book, err := logbook.New(filepath.Join(t.TempDir(), "timeline.log"))
	if err != nil {
		t.Fatal(err)
	}
	book.Info("hello from the timeline")
	m := New(orch, make(chan notify.Event), WithLogbook(book), WithTitle("DASH"))
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	view := m.View()
	if !strings.Contains(view, "DASH") || !strings.Contains(view, "hello from the timeline") {
		t.Fatalf("view missing title or log panel:\n%s", view)
	}
}

func TestSummary(t *testing.T) {
	orch, clk := newTestOrchestrator(t)
	orch.Start()
	if err := orch.RegisterCall("overview", tier.Critical); err != nil {
		t.Fatal(err)
	}
	clk.Advance(0)
	out := Summary(orch.Snapshot())
	for _, want := range []string{"progress=10.0%", "critical", "✓ overview", "background"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}
