// Package queue runs pipeline tasks on a fixed set of workers. Tasks are
// persisted through store.Tasks so their status and progress can be polled
// while they run and after they finish.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/types"
)

var (
	ErrClosed       = errors.New("queue closed")
	ErrTaskFinished = errors.New("task already finished")
	ErrNotTracked   = errors.New("task not tracked by this queue")
	ErrEmptyRequest = errors.New("request needs at least one account and one stage")
	// ErrRunningElsewhere is returned when cancelling a task that is running
	// but has no worker on this queue.
	ErrRunningElsewhere = errors.New("task is running outside this queue")

	errLeaveRunning = errors.New("task left to its worker")
)

// Defaults.
const (
	DefaultWorkers    = 2
	DefaultBufferSize = 256
)

// Pipeline runs one pipeline request. *pipeline.Runner implements it.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Report, error)
}

// Config holds queue settings.
type Config struct {
	Workers    int         `yaml:"workers" json:"workers"`
	BufferSize int         `yaml:"buffer_size" json:"buffer_size"`
	Retry      RetryPolicy `yaml:"retry" json:"retry"`
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		Workers:    DefaultWorkers,
		BufferSize: DefaultBufferSize,
		Retry:      DefaultRetryPolicy(),
	}
}

// Request is a task submission.
type Request struct {
	// ID is optional; a uuid is generated when empty.
	ID       string   `json:"id,omitempty"`
	Accounts []string `json:"accounts"`
	Stages   []string `json:"stages"`
	Optional []string `json:"optional,omitempty"`
}

// CompleteFunc is called once a task reached a terminal status. report
// merges every attempt and is nil when the task never ran.
type CompleteFunc func(ctx context.Context, task *types.Task, report *pipeline.Report)

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock sets the clock used for retry backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithOnComplete registers fn to run after every finished task.
func WithOnComplete(fn CompleteFunc) Option {
	return func(q *Queue) { q.onComplete = append(q.onComplete, fn) }
}

// Stats is a snapshot of the queue.
type Stats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Queue is a persistent task queue with a worker pool.
type Queue struct {
	cfg        Config
	pipeline   Pipeline
	tasks      *store.Tasks
	logger     *logging.Logger
	clock      clockwork.Clock
	onComplete []CompleteFunc

	ch     chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	running map[string]context.CancelFunc
	done    map[string]chan struct{}
}

// New starts cfg.Workers workers feeding tasks to p. Close stops them.
func New(p Pipeline, tasks *store.Tasks, cfg Config, opts ...Option) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		pipeline: p,
		tasks:    tasks,
		logger:   logging.Nop(),
		clock:    clockwork.NewRealClock(),
		ch:       make(chan string, cfg.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]context.CancelFunc),
		done:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.work()
	}
	return q
}

func (q *Queue) work() {
	defer q.wg.Done()
	for {
		select {
		case id := <-q.ch:
			q.process(id)
		case <-q.ctx.Done():
			return
		}
	}
}

// Submit persists a queued task for req and hands it to the workers.
func (q *Queue) Submit(ctx context.Context, req Request) (string, error) {
	if len(req.Accounts) == 0 || len(req.Stages) == 0 {
		return "", ErrEmptyRequest
	}
	if q.ctx.Err() != nil {
		return "", ErrClosed
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := q.tasks.Create(ctx, &types.Task{
		ID:       id,
		Accounts: req.Accounts,
		Stages:   req.Stages,
		Optional: req.Optional,
		Status:   types.TaskQueued,
		Progress: types.Progress{Total: len(req.Accounts), Label: "queued"},
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := q.enqueue(ctx, id); err != nil {
		return id, err
	}
	q.logger.Infof("task %s queued: %d account(s), stages %v", id, len(req.Accounts), req.Stages)
	return id, nil
}

func (q *Queue) enqueue(ctx context.Context, id string) error {
	q.mu.Lock()
	if _, ok := q.done[id]; !ok {
		q.done[id] = make(chan struct{})
	}
	q.mu.Unlock()

	select {
	case q.ch <- id:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume re-queues tasks left queued or running by an earlier process.
func (q *Queue) Resume(ctx context.Context) (int, error) {
	tasks, err := q.tasks.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	// List is newest first; resume oldest first.
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.Status.Terminal() || q.tracked(t.ID) {
			continue
		}
		if err := q.enqueue(ctx, t.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		q.logger.Infof("resumed %d unfinished task(s)", n)
	}
	return n, nil
}

func (q *Queue) tracked(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.done[id]
	return ok
}

// Status returns the persisted task.
func (q *Queue) Status(ctx context.Context, id string) (*types.Task, error) {
	return q.tasks.Get(ctx, id)
}

// List returns every task, newest first.
func (q *Queue) List(ctx context.Context) ([]*types.Task, error) {
	return q.tasks.List(ctx)
}

// Cancel stops a task. A queued task is cancelled at once; a task running
// on this queue stops at the next account boundary and is marked cancelled
// by its worker. Cancel never overwrites the status of a running task.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	var stop context.CancelFunc
	_, err := q.tasks.Update(ctx, id, func(t *types.Task) error {
		if t.Status == types.TaskRunning {
			// Workers register before they move a task to running.
			q.mu.Lock()
			stop = q.running[id]
			q.mu.Unlock()
			if stop == nil {
				return fmt.Errorf("%w: %s", ErrRunningElsewhere, id)
			}
			return errLeaveRunning
		}
		t.Status = types.TaskCancelled
		t.CompletedAt = q.clock.Now().UTC()
		t.Error = "cancelled by operator"
		return nil
	})
	switch {
	case errors.Is(err, errLeaveRunning):
		stop()
		q.logger.Infof("task %s: cancellation requested", id)
		return nil
	case errors.Is(err, store.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrTaskFinished, err)
	case err != nil:
		return err
	}
	q.logger.Infof("task %s cancelled", id)
	q.finish(id)
	return nil
}

// Wait blocks until the task finishes or ctx ends.
func (q *Queue) Wait(ctx context.Context, id string) (*types.Task, error) {
	q.mu.Lock()
	ch := q.done[id]
	q.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	task, err := q.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.Terminal() {
		return task, fmt.Errorf("%w: %s", ErrNotTracked, id)
	}
	return task, nil
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Workers: q.cfg.Workers, Queued: len(q.ch), Running: len(q.running)}
}

// Close stops the workers. Running tasks are cancelled at the next account
// boundary; tasks still queued stay queued in the store for Resume.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Queue) finish(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.done[id]; ok {
		close(ch)
		delete(q.done, id)
	}
}
