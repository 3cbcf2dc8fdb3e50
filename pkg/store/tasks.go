package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/types"
)

// ErrInvalidTransition is returned when a task status would move backwards
// or leave a terminal state.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Tasks is the task table.
type Tasks struct {
	c     *Collection[types.Task]
	clock clockwork.Clock
}

// NewTasks returns the task table over s.
func NewTasks(s Store, clock clockwork.Clock) *Tasks {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tasks{c: NewCollection[types.Task](s, KindTask), clock: clock}
}

// Create stores a new queued task.
func (t *Tasks) Create(ctx context.Context, task *types.Task) (*types.Task, error) {
	if task.ID == "" {
		return nil, ErrEmptyID
	}
	now := t.clock.Now().UTC()
	return t.c.Update(ctx, task.ID, true, func(cur *types.Task) error {
		if cur.ID != "" {
			return fmt.Errorf("task %s already exists", task.ID)
		}
		*cur = *task
		if cur.Status == "" {
			cur.Status = types.TaskQueued
		}
		if cur.CreatedAt.IsZero() {
			cur.CreatedAt = now
		}
		return nil
	})
}

// Get loads one task.
func (t *Tasks) Get(ctx context.Context, id string) (*types.Task, error) {
	return t.c.Get(ctx, id)
}

// Update applies fn under select-for-update. A terminal task is final and
// a status change made by fn must be a forward transition.
func (t *Tasks) Update(ctx context.Context, id string, fn func(*types.Task) error) (*types.Task, error) {
	return t.c.Update(ctx, id, false, func(cur *types.Task) error {
		before := cur.Status
		if before.Terminal() {
			return fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, id, before)
		}
		if err := fn(cur); err != nil {
			return err
		}
		if cur.Status != before && !before.CanTransition(cur.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before, cur.Status)
		}
		return nil
	})
}

// Transition moves a task to status, stamping StartedAt on the first move
// to running and CompletedAt on terminal states.
func (t *Tasks) Transition(ctx context.Context, id string, status types.TaskStatus, errMsg string) (*types.Task, error) {
	now := t.clock.Now().UTC()
	return t.Update(ctx, id, func(task *types.Task) error {
		task.Status = status
		if status == types.TaskRunning && task.StartedAt.IsZero() {
			task.StartedAt = now
		}
		if status.Terminal() {
			task.CompletedAt = now
			task.Error = errMsg
		}
		return nil
	})
}

// List returns every task, newest first.
func (t *Tasks) List(ctx context.Context) ([]*types.Task, error) {
	tasks, err := t.c.List(ctx)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, err
}

// Delete removes one task.
func (t *Tasks) Delete(ctx context.Context, id string) error {
	return t.c.Delete(ctx, id)
}
