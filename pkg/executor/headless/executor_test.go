package headless

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/queue"
	"github.com/entrhq/autopilot/pkg/report"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/types"
)

type pipelineFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Report, error)

func (f pipelineFunc) Run(ctx context.Context, req pipeline.Request) (*pipeline.Report, error) {
	return f(ctx, req)
}

func newQueue(t *testing.T, fn pipelineFunc) *queue.Queue {
	t.Helper()
	q := queue.New(fn, store.NewTasks(store.NewMemoryStore(), nil), queue.Config{Workers: 1})
	t.Cleanup(q.Close)
	return q
}

func results(req pipeline.Request, status func(id string) types.AccountResult) *pipeline.Report {
	rep := &pipeline.Report{TaskID: req.TaskID, Success: true}
	for i, id := range req.Accounts {
		r := status(id)
		if r.Status != types.AccountSuccess {
			rep.Success = false
		}
		rep.Results = append(rep.Results, r)
		if req.Progress != nil {
			req.Progress(i+1, len(req.Accounts), id)
		}
	}
	return rep
}

func TestExecutor_Success(t *testing.T) {
	q := newQueue(t, func(_ context.Context, req pipeline.Request) (*pipeline.Report, error) {
		return results(req, func(id string) types.AccountResult {
			return types.AccountResult{AccountID: id, Status: types.AccountSuccess}
		}), nil
	})

	var out bytes.Buffer
	output := filepath.Join(t.TempDir(), "out", "summary.json")
	exec, err := NewExecutor(q, Config{Stages: []string{"login"}, OutputFile: output}, NewConsole(&out, logging.LevelVerbose))
	require.NoError(t, err)

	summary, err := exec.Run(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskSuccess, summary.Status)
	assert.Equal(t, 2, summary.Metrics.Succeeded)

	text := out.String()
	assert.Contains(t, text, "RUN SUMMARY")
	assert.Contains(t, text, "✓ SUCCESS")
	assert.Contains(t, text, "2 succeeded, 0 failed")

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	var decoded report.Summary
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, summary.TaskID, decoded.TaskID)
	assert.Len(t, decoded.Results, 2)
}

func TestExecutor_Failure(t *testing.T) {
	q := newQueue(t, func(_ context.Context, req pipeline.Request) (*pipeline.Report, error) {
		return results(req, func(id string) types.AccountResult {
			if id == "b" {
				return types.AccountResult{AccountID: id, Status: types.AccountFailed, Class: types.ClassCredentialRejected, Message: "login: password rejected"}
			}
			return types.AccountResult{AccountID: id, Status: types.AccountSuccess}
		}), nil
	})

	var out bytes.Buffer
	exec, err := NewExecutor(q, Config{Stages: []string{"login"}}, NewConsole(&out, logging.LevelNormal))
	require.NoError(t, err)

	summary, err := exec.Run(context.Background(), []string{"a", "b"})
	require.ErrorIs(t, err, ErrRunFailed)
	require.NotNil(t, summary)
	assert.Equal(t, types.TaskFailed, summary.Status)
	assert.Equal(t, 1, summary.Metrics.Failed)

	text := out.String()
	assert.Contains(t, text, "✗ FAILED")
	assert.Contains(t, text, "b [credential_rejected] login: password rejected")
	assert.NotContains(t, text, "✓ a", "successful accounts are listed only when verbose")
}

func TestExecutor_TimeoutCancelsTask(t *testing.T) {
	q := newQueue(t, func(ctx context.Context, req pipeline.Request) (*pipeline.Report, error) {
		<-ctx.Done()
		return results(req, func(id string) types.AccountResult {
			return types.AccountResult{AccountID: id, Status: types.AccountCancelled, Class: types.ClassCancelled, Message: "cancelled"}
		}), nil
	})

	var out bytes.Buffer
	exec, err := NewExecutor(q, Config{Stages: []string{"login"}, Timeout: 50 * time.Millisecond}, NewConsole(&out, logging.LevelNormal))
	require.NoError(t, err)

	summary, err := exec.Run(context.Background(), []string{"a"})
	require.ErrorIs(t, err, ErrRunFailed)
	require.NotNil(t, summary)
	assert.Equal(t, types.TaskCancelled, summary.Status)
	assert.Contains(t, out.String(), "timeout reached")
	assert.Contains(t, out.String(), "⚠ CANCELLED")
}

func TestExecutor_QuietStillPrintsSummary(t *testing.T) {
	q := newQueue(t, func(_ context.Context, req pipeline.Request) (*pipeline.Report, error) {
		return results(req, func(id string) types.AccountResult {
			return types.AccountResult{AccountID: id, Status: types.AccountSuccess}
		}), nil
	})

	var out bytes.Buffer
	exec, err := NewExecutor(q, Config{Stages: []string{"login"}}, NewConsole(&out, logging.LevelQuiet))
	require.NoError(t, err)
	_, err = exec.Run(context.Background(), []string{"a"})
	require.NoError(t, err)

	assert.NotContains(t, out.String(), "Autopilot run")
	assert.Contains(t, out.String(), "RUN SUMMARY")
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg = Config{Stages: []string{"login"}, Timeout: -time.Second}
	assert.Error(t, cfg.Validate())

	cfg = Config{Stages: []string{"login"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}
