package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/entrhq/autopilot/pkg/types"
)

// Tasks is the queue surface the monitor reads. *queue.Queue implements it.
type Tasks interface {
	Status(ctx context.Context, id string) (*types.Task, error)
	Cancel(ctx context.Context, id string) error
}

// taskMsg carries a fresh task snapshot.
type taskMsg struct {
	task *types.Task
	err  error
}

// cancelMsg reports the outcome of a cancel request.
type cancelMsg struct{ err error }

// model is the run monitor state.
type model struct {
	ctx      context.Context
	tasks    Tasks
	taskID   string
	interval time.Duration

	spinner  spinner.Model
	progress progress.Model

	task       *types.Task
	lastErr    error
	cancelling bool
	done       bool
	width      int
}

func newModel(ctx context.Context, tasks Tasks, taskID string, interval time.Duration) *model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = headerStyle

	return &model{
		ctx:      ctx,
		tasks:    tasks,
		taskID:   taskID,
		interval: interval,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		width:    80,
	}
}

// Init starts the spinner and the first poll.
func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch)
}

// fetch reads the task once.
func (m *model) fetch() tea.Msg {
	task, err := m.tasks.Status(m.ctx, m.taskID)
	return taskMsg{task: task, err: err}
}

// poll schedules the next fetch.
func (m *model) poll() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return m.fetch() })
}

func (m *model) cancel() tea.Msg {
	return cancelMsg{err: m.tasks.Cancel(m.ctx, m.taskID)}
}

// percent is the share of accounts finished.
func (m *model) percent() float64 {
	if m.task == nil || m.task.Progress.Total == 0 {
		return 0
	}
	p := float64(m.task.Progress.Current) / float64(m.task.Progress.Total)
	if p > 1 {
		p = 1
	}
	return p
}
