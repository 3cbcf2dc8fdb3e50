package tui

import (
	"errors"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/entrhq/autopilot/pkg/queue"
)

// Update handles all state updates for the monitor.
func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 10; w > 10 && w < 80 {
			m.progress.Width = w
		}
		return m, nil

	case taskMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, m.poll()
		}
		m.lastErr = nil
		m.task = msg.task
		if m.task.Status.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, tea.Batch(m.progress.SetPercent(m.percent()), m.poll())

	case cancelMsg:
		if msg.err != nil && !errors.Is(msg.err, queue.ErrTaskFinished) {
			m.lastErr = msg.err
			m.cancelling = false
		}
		return m, nil

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// handleKey maps q and ctrl+c to a cancel request while the task runs and
// to quit once it finished. A second press while cancelling detaches.
func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
	default:
		return m, nil
	}
	if m.done || m.cancelling {
		return m, tea.Quit
	}
	m.cancelling = true
	return m, m.cancel
}
