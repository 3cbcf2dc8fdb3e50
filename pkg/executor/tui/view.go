package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/autopilot/pkg/types"
)

// View renders the monitor.
func (m *model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("autopilot") + tipsStyle.Render("  task "+m.taskID))
	b.WriteString("\n\n")

	if m.task == nil {
		b.WriteString(m.spinner.View() + " waiting for task...\n")
		return b.String()
	}

	b.WriteString(m.buildStatus())
	b.WriteString("\n")
	b.WriteString(m.progress.ViewAs(m.percent()))
	b.WriteString("\n")

	if m.done {
		b.WriteString("\n")
		b.WriteString(m.buildResults())
	}
	if m.lastErr != nil {
		b.WriteString("\n" + errorStyle.Render("error: "+m.lastErr.Error()) + "\n")
	}
	b.WriteString("\n" + m.buildTips())
	return b.String()
}

func (m *model) buildStatus() string {
	p := m.task.Progress
	counts := tipsStyle.Render(fmt.Sprintf("%d/%d", p.Current, p.Total))
	switch {
	case m.done:
		return statusBadge(m.task.Status) + " " + counts
	case m.cancelling:
		return m.spinner.View() + " " + warningStyle.Render("cancelling...") + " " + counts
	case m.task.Status == types.TaskQueued:
		return m.spinner.View() + " " + labelStyle.Render("queued") + " " + counts
	default:
		return m.spinner.View() + " " + labelStyle.Render(p.Label) + " " + counts
	}
}

func statusBadge(s types.TaskStatus) string {
	switch s {
	case types.TaskSuccess:
		return successStyle.Render("✓ success")
	case types.TaskCancelled:
		return warningStyle.Render("⚠ cancelled")
	default:
		return errorStyle.Render("✗ " + string(s))
	}
}

func (m *model) buildResults() string {
	rows := make([]string, 0, len(m.task.Results))
	for _, r := range m.task.Results {
		mark := successStyle.Render("✓")
		switch r.Status {
		case types.AccountFailed:
			mark = errorStyle.Render("✗")
		case types.AccountCancelled:
			mark = warningStyle.Render("⚠")
		}
		line := mark + " " + accountStyle.Render(r.AccountID)
		if r.Class != types.ClassNone {
			line += tipsStyle.Render(" [" + string(r.Class) + "]")
		}
		if r.Message != "" && r.Status != types.AccountSuccess {
			line += " " + r.Message
		}
		rows = append(rows, line)
	}
	if m.task.Error != "" {
		rows = append(rows, "", errorStyle.Render(m.task.Error))
	}
	width := m.width - 4
	if width < 20 {
		width = 20
	}
	return panelStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m *model) buildTips() string {
	switch {
	case m.done:
		return tipsStyle.Render("  q to exit")
	case m.cancelling:
		return tipsStyle.Render("  press q again to detach; the task keeps cancelling")
	default:
		return tipsStyle.Render("  q or Ctrl+C to cancel the run")
	}
}
