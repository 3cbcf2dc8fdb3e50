// Package tui provides an interactive terminal monitor for a running task:
// a live progress bar while accounts are processed and the per-account
// outcome once the task finishes.
//
// The code is split into:
// - executor.go: program lifecycle
// - model.go: monitor state and commands
// - update.go: Bubble Tea Update function and message handling
// - view.go: Bubble Tea View function and rendering
// - styles.go: color scheme and styling
package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/entrhq/autopilot/pkg/types"
)

// DefaultPollInterval is how often the task record is re-read.
const DefaultPollInterval = 250 * time.Millisecond

// ErrDetached is returned when the user left the monitor before the task
// finished.
var ErrDetached = errors.New("monitor detached before the task finished")

// Executor monitors one task in the terminal.
type Executor struct {
	tasks    Tasks
	interval time.Duration
	options  []tea.ProgramOption
}

// NewExecutor creates a monitor over tasks. Program options are passed to
// Bubble Tea (tests use them to swap input and output).
func NewExecutor(tasks Tasks, interval time.Duration, opts ...tea.ProgramOption) *Executor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Executor{tasks: tasks, interval: interval, options: opts}
}

// Run shows the monitor for taskID and blocks until the task is terminal or
// the user detaches. It returns the last task snapshot.
func (e *Executor) Run(ctx context.Context, taskID string) (*types.Task, error) {
	m := newModel(ctx, e.tasks, taskID, e.interval)
	opts := append([]tea.ProgramOption{tea.WithContext(ctx)}, e.options...)
	program := tea.NewProgram(m, opts...)

	final, err := program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return nil, fmt.Errorf("monitor failed: %w", err)
	}
	fm, ok := final.(*model)
	if !ok || fm.task == nil {
		return nil, ErrDetached
	}
	if !fm.done {
		return fm.task, ErrDetached
	}
	return fm.task, nil
}
