package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/entrhq/autopilot/pkg/queue"
	"github.com/entrhq/autopilot/pkg/report"
	"github.com/entrhq/autopilot/pkg/types"
)

// ErrRunFailed is returned by Run when the task did not succeed.
var ErrRunFailed = errors.New("run did not succeed")

// DefaultPollInterval is how often progress is refreshed.
const DefaultPollInterval = 500 * time.Millisecond

// cancelGrace bounds the wait for a cancelled task to stop.
const cancelGrace = 30 * time.Second

// Tasks is the queue surface the executor drives. *queue.Queue implements
// it.
type Tasks interface {
	Submit(ctx context.Context, req queue.Request) (string, error)
	Status(ctx context.Context, id string) (*types.Task, error)
	Wait(ctx context.Context, id string) (*types.Task, error)
	Cancel(ctx context.Context, id string) error
}

// Config holds settings for one headless run.
type Config struct {
	Stages   []string
	Optional []string
	// Timeout cancels the run once exceeded. Zero means no limit.
	Timeout      time.Duration
	PollInterval time.Duration
	// OutputFile receives the summary as JSON when set.
	OutputFile string
}

// Validate checks the run settings.
func (c *Config) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return nil
}

// Executor submits one run to the queue, reports its progress on a
// console and waits for it to finish.
type Executor struct {
	tasks   Tasks
	config  Config
	console *Console
}

// NewExecutor creates an executor.
func NewExecutor(tasks Tasks, config Config, console *Console) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if console == nil {
		console = NewConsole(nil, 0)
	}
	return &Executor{tasks: tasks, config: config, console: console}, nil
}

// Run processes accounts and returns the summary. The error wraps
// ErrRunFailed when the task failed or was cancelled; the summary is still
// returned.
func (e *Executor) Run(ctx context.Context, accounts []string) (*report.Summary, error) {
	e.console.Header("Autopilot run")
	e.console.Infof("Accounts: %d", len(accounts))
	e.console.Infof("Stages: %v", e.config.Stages)

	id, err := e.tasks.Submit(ctx, queue.Request{
		Accounts: accounts,
		Stages:   e.config.Stages,
		Optional: e.config.Optional,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit run: %w", err)
	}
	e.console.Step("task " + id + " queued")

	runCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	watchCtx, stopWatch := context.WithCancel(runCtx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		e.watch(watchCtx, id)
	}()

	task, err := e.tasks.Wait(runCtx, id)
	stopWatch()
	<-watchDone

	if err != nil {
		if runCtx.Err() == nil {
			return nil, fmt.Errorf("waiting for task %s: %w", id, err)
		}
		task, err = e.stop(id, runCtx.Err())
		if err != nil {
			return nil, err
		}
	}

	summary := report.FromTask(task)
	e.console.Summary(summary)
	if e.config.OutputFile != "" {
		if err := writeSummary(e.config.OutputFile, summary); err != nil {
			e.console.Warningf("failed to write summary: %v", err)
		} else {
			e.console.Verbosef("summary written to %s", e.config.OutputFile)
		}
	}
	if summary.Status != types.TaskSuccess {
		return summary, fmt.Errorf("%w: task %s %s", ErrRunFailed, id, summary.Status)
	}
	return summary, nil
}

// stop cancels a task whose wait was interrupted and waits for it to wind
// down.
func (e *Executor) stop(id string, cause error) (*types.Task, error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		e.console.Warningf("timeout reached, cancelling task %s", id)
	} else {
		e.console.Warningf("interrupted, cancelling task %s", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	if err := e.tasks.Cancel(ctx, id); err != nil && !errors.Is(err, queue.ErrTaskFinished) {
		return nil, fmt.Errorf("cancel task %s: %w", id, err)
	}
	task, err := e.tasks.Wait(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("task %s did not stop: %w", id, err)
	}
	return task, nil
}

func (e *Executor) watch(ctx context.Context, id string) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	var last types.Progress
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		task, err := e.tasks.Status(ctx, id)
		if err != nil {
			continue
		}
		if task.Progress != last && task.Status == types.TaskRunning {
			last = task.Progress
			e.console.Progress(last)
		}
	}
}

func writeSummary(path string, s *report.Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
