package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stagegate/internal/orchestrator"
	"github.com/kingrea/stagegate/internal/registry"
	"github.com/kingrea/stagegate/internal/tier"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	doneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).MarginTop(1)
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	logHeadStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	logBodyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	tierNameStyle = lipgloss.NewStyle().Width(12)
)

// View renders the dashboard.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	snap := m.snapshot
	sections := []string{headerStyle.Render("⬡ " + m.title)}

	stageLine := fmt.Sprintf("stage %s", stageLabel(snap.Stage))
	if !m.finished {
		stageLine = m.spinner.View() + " " + stageLine
	}
	sections = append(sections,
		stageLine,
		fmt.Sprintf("%s %5.1f%%", m.overall.ViewAs(snap.Progress/100), snap.Progress),
		"",
	)

	var tierRows []string
	for _, ts := range snap.Tiers {
		tierRows = append(tierRows, m.renderTier(ts, snap))
	}
	sections = append(sections, panelStyle.Width(max(20, m.width-2)).Render(strings.Join(tierRows, "\n")))

	if logPanel := m.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	sections = append(sections,
		footerStyle.Render(m.statusMsg),
		m.help.View(m.keys),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderTier(ts orchestrator.TierStatus, snap orchestrator.Snapshot) string {
	style := pendingStyle
	switch {
	case ts.Complete:
		style = doneStyle
	case snap.Stage == ts.Tier.Stage():
		style = activeStyle
	}
	head := fmt.Sprintf("%s %s %5.1f%%",
		style.Inherit(tierNameStyle).Render(ts.Tier.String()),
		m.tierBars.ViewAs(ts.Progress/100),
		ts.Progress)
	calls := callsForTier(snap.Calls, ts.Tier)
	if len(calls) == 0 {
		return head
	}
	return head + "\n" + detailStyle.Render("  "+strings.Join(calls, "  "))
}

func (m *Model) renderLogPanel() string {
	if m.logbook == nil {
		return ""
	}
	lines, _ := m.logbook.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(m.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := logHeadStyle.Render(fmt.Sprintf("LOG · %s", fileName))
	body := logBodyStyle.Render(strings.Join(lines, "\n"))
	return panelStyle.Render(head + "\n" + body)
}

func callsForTier(calls []registry.CallEntry, t tier.Tier) []string {
	var out []string
	for _, call := range calls {
		if call.Tier != t {
			continue
		}
		mark := "·"
		if call.Enabled {
			mark = "✓"
		}
		label := mark + " " + call.ID
		if len(call.Dependencies) > 0 {
			label += " ← " + strings.Join(call.Dependencies, ",")
		}
		out = append(out, label)
	}
	return out
}

func stageLabel(stage tier.Stage) string {
	switch stage {
	case tier.Complete:
		return doneStyle.Render(stage.String())
	case tier.Initial:
		return pendingStyle.Render(stage.String())
	default:
		return activeStyle.Render(stage.String())
	}
}

// Summary renders a compact, static report of a snapshot for plain output.
func Summary(snap orchestrator.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s stage=%s progress=%.1f%%\n", headerStyle.UnsetMarginBottom().Render("⬡ STAGEGATE"), stageLabel(snap.Stage), snap.Progress)
	for _, ts := range snap.Tiers {
		style := pendingStyle
		if ts.Complete {
			style = doneStyle
		}
		fmt.Fprintf(&b, "  %s %5.1f%%", style.Inherit(tierNameStyle).Render(ts.Tier.String()), ts.Progress)
		if calls := callsForTier(snap.Calls, ts.Tier); len(calls) > 0 {
			fmt.Fprintf(&b, "  %s", strings.Join(calls, "  "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
