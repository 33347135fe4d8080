package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/stagegate/internal/logbook"
	"github.com/kingrea/stagegate/internal/notify"
	"github.com/kingrea/stagegate/internal/orchestrator"
	"github.com/kingrea/stagegate/internal/tier"
)

const defaultWidth = 80

// Source supplies the state the dashboard renders.
type Source interface {
	Snapshot() orchestrator.Snapshot
}

type keyMap struct {
	Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Quit} }

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var defaultKeys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

type eventMsg notify.Event

type feedClosedMsg struct{}

// Option customizes the dashboard.
type Option func(*Model)

// WithLogbook shows the tail of the timeline logbook under the tiers.
func WithLogbook(book *logbook.Logbook) Option {
	return func(m *Model) {
		m.logbook = book
	}
}

// WithExitOnComplete quits once the run is Settled.
func WithExitOnComplete(exit bool) Option {
	return func(m *Model) {
		m.exitOnComplete = exit
	}
}

// WithTitle overrides the header text.
func WithTitle(title string) Option {
	return func(m *Model) {
		if title != "" {
			m.title = title
		}
	}
}

// Model is the bubbletea dashboard for one orchestrator. It re-reads the
// snapshot whenever an event arrives on the feed.
type Model struct {
	source         Source
	events         <-chan notify.Event
	logbook        *logbook.Logbook
	exitOnComplete bool
	title          string

	keys     keyMap
	help     help.Model
	spinner  spinner.Model
	overall  progress.Model
	tierBars progress.Model

	snapshot  orchestrator.Snapshot
	statusMsg string
	width     int
	finished  bool
	quitting  bool
}

// New builds the dashboard over source, driven by events.
func New(source Source, events <-chan notify.Event, opts ...Option) *Model {
	m := &Model{
		source:    source,
		events:    events,
		title:     "STAGEGATE",
		keys:      defaultKeys,
		help:      help.New(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(activeStyle)),
		overall:   progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		tierBars:  progress.New(progress.WithSolidFill("#5B8DEF"), progress.WithoutPercentage()),
		statusMsg: "waiting for first stage",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.snapshot = source.Snapshot()
	m.resize(defaultWidth)
	return m
}

// Init starts the spinner and the event pump.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update folds one message into the model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.resize(msg.Width)
	case spinner.TickMsg:
		if m.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case eventMsg:
		ev := notify.Event(msg)
		m.snapshot = m.source.Snapshot()
		m.statusMsg = describe(ev)
		if ev.Kind == notify.KindClosed {
			m.finished = true
			return m, tea.Quit
		}
		if Settled(m.snapshot) {
			m.finished = true
			if m.exitOnComplete {
				return m, tea.Quit
			}
		}
		return m, waitForEvent(m.events)
	case feedClosedMsg:
		m.finished = true
		m.snapshot = m.source.Snapshot()
		return m, tea.Quit
	}
	return m, nil
}

// Snapshot returns the state last rendered.
func (m *Model) Snapshot() orchestrator.Snapshot {
	return m.snapshot
}

// Finished reports whether the run reached the end of its stages or feed.
func (m *Model) Finished() bool {
	return m.finished
}

func (m *Model) resize(width int) {
	if width <= 0 {
		width = defaultWidth
	}
	m.width = width
	m.overall.Width = max(20, width-24)
	m.tierBars.Width = max(10, width-40)
	m.help.Width = width
}

// Settled reports whether the stage clock has completed and every registered
// call is enabled.
func Settled(snap orchestrator.Snapshot) bool {
	if snap.Stage != tier.Complete {
		return false
	}
	for _, call := range snap.Calls {
		if !call.Enabled {
			return false
		}
	}
	return true
}

func waitForEvent(events <-chan notify.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return feedClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func describe(ev notify.Event) string {
	switch ev.Kind {
	case notify.KindRegistered:
		return fmt.Sprintf("registered %s (%s)", ev.CallID, ev.Tier)
	case notify.KindEnabled:
		return fmt.Sprintf("enabled %s (%s)", ev.CallID, ev.Tier)
	case notify.KindStage:
		return fmt.Sprintf("entered %s stage", ev.Stage)
	case notify.KindClosed:
		return "orchestrator closed"
	default:
		return string(ev.Kind)
	}
}
