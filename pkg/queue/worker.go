package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/types"
)

// process runs one task to a terminal status, retrying retryable accounts
// per the retry policy.
func (q *Queue) process(id string) {
	if q.ctx.Err() != nil {
		return
	}
	defer q.finish(id)

	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()
	q.mu.Lock()
	q.running[id] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, id)
		q.mu.Unlock()
	}()

	// Writes outlive cancellation so the final status always lands.
	wctx := context.WithoutCancel(ctx)
	task, err := q.tasks.Transition(wctx, id, types.TaskRunning, "")
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			q.logger.Debugf("task %s: not runnable: %v", id, err)
			return
		}
		q.logger.Errorf("task %s: failed to start: %v", id, err)
		return
	}
	q.logger.Infof("task %s running", id)

	report, runErr := q.attempts(ctx, wctx, task)

	status := types.TaskSuccess
	msg := ""
	switch {
	case ctx.Err() != nil:
		status = types.TaskCancelled
		msg = "cancelled"
		if q.ctx.Err() != nil {
			msg = "cancelled: queue closed"
		}
	case runErr != nil:
		status = types.TaskFailed
		msg = runErr.Error()
	case !report.Success:
		status = types.TaskFailed
		_, failed, cancelled := report.Counts()
		msg = fmt.Sprintf("%d of %d account(s) failed", failed+cancelled, len(report.Results))
	}

	final, err := q.tasks.Update(wctx, id, func(t *types.Task) error {
		t.Status = status
		t.CompletedAt = q.clock.Now().UTC()
		t.Error = msg
		t.Results = report.Results
		return nil
	})
	if err != nil {
		q.logger.Errorf("task %s: failed to record %s: %v", id, status, err)
		return
	}
	q.logger.Infof("task %s %s after %d attempt(s) %s", id, status, final.Attempts, msg)

	for _, fn := range q.onComplete {
		fn(wctx, final, report)
	}
}

// attempts runs the pipeline until no retryable account is left, the
// policy is exhausted or ctx ends. Only retryable accounts are re-run;
// stages that already succeeded are skipped by the pipeline itself.
func (q *Queue) attempts(ctx, wctx context.Context, task *types.Task) (*pipeline.Report, error) {
	merged := &pipeline.Report{TaskID: task.ID}
	index := make(map[string]int)
	accounts := task.Accounts
	policy := q.cfg.Retry

	for n := task.Attempts + 1; ; n++ {
		if _, err := q.tasks.Update(wctx, task.ID, func(t *types.Task) error {
			t.Attempts = n
			return nil
		}); err != nil {
			return merged, err
		}

		label := ""
		if n > 1 {
			label = fmt.Sprintf("attempt %d: ", n)
		}
		rep, err := q.pipeline.Run(ctx, pipeline.Request{
			TaskID:   task.ID,
			Accounts: accounts,
			Stages:   task.Stages,
			Optional: task.Optional,
			Progress: q.progress(wctx, task.ID, label),
		})
		if rep != nil {
			merge(merged, index, rep)
		}
		if err != nil {
			merged.Error = err.Error()
			return merged, err
		}

		retry := rep.RetryableAccounts()
		if len(retry) == 0 || n >= policy.attempts() || ctx.Err() != nil {
			break
		}
		wait := policy.Backoff(n - task.Attempts)
		q.logger.Warnf("task %s: %d retryable account(s), attempt %d in %s", task.ID, len(retry), n+1, wait)
		select {
		case <-q.clock.After(wait):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		accounts = retry
	}

	merged.Success = len(merged.Results) > 0
	for _, res := range merged.Results {
		if res.Status != types.AccountSuccess {
			merged.Success = false
		}
	}
	return merged, nil
}

// merge replaces earlier results of the same account with newer ones and
// appends accounts seen for the first time.
func merge(into *pipeline.Report, index map[string]int, rep *pipeline.Report) {
	for _, res := range rep.Results {
		if i, ok := index[res.AccountID]; ok {
			into.Results[i] = res
			continue
		}
		index[res.AccountID] = len(into.Results)
		into.Results = append(into.Results, res)
	}
}

func (q *Queue) progress(ctx context.Context, id, label string) pipeline.ProgressFunc {
	return func(current, total int, step string) {
		_, err := q.tasks.Update(ctx, id, func(t *types.Task) error {
			t.Progress = types.Progress{Current: current, Total: total, Label: label + step}
			return nil
		})
		if err != nil {
			q.logger.Warnf("task %s: failed to record progress: %v", id, err)
		}
	}
}
