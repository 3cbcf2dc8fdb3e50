package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

func finishedTask() *types.Task {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &types.Task{
		ID:          "task-1",
		Accounts:    []string{"a", "b", "c"},
		Stages:      []string{"login", "verify"},
		Status:      types.TaskFailed,
		Attempts:    2,
		StartedAt:   start,
		CompletedAt: start.Add(90 * time.Second),
		Error:       "2 of 3 account(s) failed",
		Results: []types.AccountResult{
			{AccountID: "a", Status: types.AccountSuccess, Stages: []types.StageOutcome{
				{Stage: "login", Status: types.StageStatusSuccess, Skipped: true, Message: "already succeeded"},
				{Stage: "verify", Status: types.StageStatusSuccess},
			}},
			{AccountID: "b", Status: types.AccountFailed, Class: types.ClassCredentialRejected, Message: "login: wrong | password",
				Stages: []types.StageOutcome{
					{Stage: "login", Status: types.StageStatusFailed, Class: types.ClassCredentialRejected},
					{Stage: "verify", Status: types.StageStatusSkipped, Skipped: true, Message: "skipped after login failed"},
				}},
			{AccountID: "c", Status: types.AccountFailed, Class: types.ClassResourceUnavailable},
		},
	}
}

func TestFromTask_Metrics(t *testing.T) {
	s := FromTask(finishedTask())

	assert.Equal(t, 90*time.Second, s.Duration)
	assert.Equal(t, Metrics{
		Accounts:     3,
		Succeeded:    1,
		Failed:       2,
		Retryable:    1,
		StageRuns:    2,
		StageSkipped: 2,
		Failures: map[types.FailureClass]int{
			types.ClassCredentialRejected:  1,
			types.ClassResourceUnavailable: 1,
		},
	}, s.Metrics)
}

func TestMarkdown(t *testing.T) {
	md := Markdown(FromTask(finishedTask()))

	assert.Contains(t, md, "**Task:** task-1")
	assert.Contains(t, md, "**Stages:** login → verify")
	assert.Contains(t, md, "❌ **Error:** 2 of 3 account(s) failed")
	assert.Contains(t, md, `| b | failed | credential_rejected | login: wrong \| password |`)
	assert.Contains(t, md, "- ⏭ **verify** skipped: skipped after login failed")
	assert.Contains(t, md, "- **resource_unavailable:** 1")
}

func TestWriteAll(t *testing.T) {
	ctx := context.Background()
	sink := trace.NewMemorySink()
	tracer := trace.New(sink, trace.Config{})
	tracer.Scope("task-1", "a").Info(ctx, "login", "start", "attempt 1")
	tracer.Scope("task-1", "b").Error(ctx, "login", "failed", "wrong password")
	tracer.Scope("task-2", "a").Info(ctx, "login", "start", "other task")
	tracer.Close()

	w := NewWriter(t.TempDir(), sink)
	dir, err := w.WriteAll(ctx, FromTask(finishedTask()))
	require.NoError(t, err)
	assert.Equal(t, w.Dir("task-1"), dir)

	raw, err := os.ReadFile(filepath.Join(dir, RunFile))
	require.NoError(t, err)
	var decoded Summary
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, types.TaskFailed, decoded.Status)
	assert.Len(t, decoded.Results, 3)

	page, err := os.ReadFile(filepath.Join(dir, HTMLFile))
	require.NoError(t, err)
	assert.Contains(t, string(page), "<title>task-1</title>")
	assert.Contains(t, string(page), "<table>")
	assert.Contains(t, string(page), "<h1>Autopilot Run Summary</h1>")

	assert.FileExists(t, filepath.Join(dir, MarkdownFile))

	events, err := ReadTrace(filepath.Join(dir, TraceFile))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].AccountID)
	assert.Equal(t, "wrong password", events[1].Message)
}

func TestWriteAll_WithoutTraces(t *testing.T) {
	w := NewWriter(t.TempDir(), nil)
	task := finishedTask()
	task.ID = "quiet"
	w.Hook(nil)(context.Background(), task, nil)

	assert.FileExists(t, filepath.Join(w.Dir("quiet"), RunFile))
	assert.NoFileExists(t, filepath.Join(w.Dir("quiet"), TraceFile))
}
