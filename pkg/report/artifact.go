// Package report writes per-task run artifacts: a JSON report, markdown
// and HTML summaries, and the compressed trace timeline.
package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

// Artifact file names inside a task directory.
const (
	RunFile      = "run.json"
	MarkdownFile = "summary.md"
	HTMLFile     = "summary.html"
	TraceFile    = "trace.jsonl.zst"
)

// Summary is the full record of one task.
type Summary struct {
	TaskID    string                `json:"task_id"`
	Status    types.TaskStatus      `json:"status"`
	Error     string                `json:"error,omitempty"`
	Stages    []string              `json:"stages"`
	Attempts  int                   `json:"attempts"`
	StartTime time.Time             `json:"start_time"`
	EndTime   time.Time             `json:"end_time"`
	Duration  time.Duration         `json:"duration"`
	Results   []types.AccountResult `json:"results"`
	Metrics   Metrics               `json:"metrics"`
}

// Metrics are counts derived from the results.
type Metrics struct {
	Accounts     int                        `json:"accounts"`
	Succeeded    int                        `json:"succeeded"`
	Failed       int                        `json:"failed"`
	Cancelled    int                        `json:"cancelled"`
	Retryable    int                        `json:"retryable"`
	StageRuns    int                        `json:"stage_runs"`
	StageSkipped int                        `json:"stage_skipped"`
	Failures     map[types.FailureClass]int `json:"failures,omitempty"`
}

// FromTask builds the summary of a finished task.
func FromTask(task *types.Task) *Summary {
	s := &Summary{
		TaskID:    task.ID,
		Status:    task.Status,
		Error:     task.Error,
		Stages:    task.Stages,
		Attempts:  task.Attempts,
		StartTime: task.StartedAt,
		EndTime:   task.CompletedAt,
		Results:   task.Results,
	}
	if !s.StartTime.IsZero() && s.EndTime.After(s.StartTime) {
		s.Duration = s.EndTime.Sub(s.StartTime)
	}

	m := Metrics{Accounts: len(task.Results)}
	for _, res := range task.Results {
		switch res.Status {
		case types.AccountSuccess:
			m.Succeeded++
		case types.AccountCancelled:
			m.Cancelled++
		default:
			m.Failed++
			if m.Failures == nil {
				m.Failures = make(map[types.FailureClass]int)
			}
			m.Failures[res.Class]++
		}
		if res.Retryable() {
			m.Retryable++
		}
		for _, st := range res.Stages {
			if st.Skipped {
				m.StageSkipped++
			} else {
				m.StageRuns++
			}
		}
	}
	s.Metrics = m
	return s
}

// Writer writes artifacts under outputDir/<task id>.
type Writer struct {
	outputDir string
	traces    trace.Reader
}

// NewWriter creates a writer. traces may be nil, in which case no trace
// file is written.
func NewWriter(outputDir string, traces trace.Reader) *Writer {
	return &Writer{outputDir: outputDir, traces: traces}
}

// Dir returns the artifact directory of a task.
func (w *Writer) Dir(taskID string) string {
	return filepath.Join(w.outputDir, taskID)
}

// WriteAll writes every artifact and returns the task directory.
func (w *Writer) WriteAll(ctx context.Context, summary *Summary) (string, error) {
	dir := w.Dir(summary.TaskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := w.WriteRunJSON(dir, summary); err != nil {
		return dir, fmt.Errorf("failed to write run JSON: %w", err)
	}
	md := Markdown(summary)
	if err := os.WriteFile(filepath.Join(dir, MarkdownFile), []byte(md), 0600); err != nil {
		return dir, fmt.Errorf("failed to write summary markdown: %w", err)
	}
	if err := w.WriteHTML(dir, summary.TaskID, md); err != nil {
		return dir, fmt.Errorf("failed to write summary HTML: %w", err)
	}
	if w.traces != nil {
		if err := w.WriteTrace(ctx, dir, summary.TaskID); err != nil {
			return dir, fmt.Errorf("failed to write trace: %w", err)
		}
	}
	return dir, nil
}

// Hook returns a task completion callback that writes the artifacts of
// every finished task. Failures are logged; they never fail the task.
func (w *Writer) Hook(logger *logging.Logger) func(context.Context, *types.Task, *pipeline.Report) {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(ctx context.Context, task *types.Task, _ *pipeline.Report) {
		dir, err := w.WriteAll(ctx, FromTask(task))
		if err != nil {
			logger.Warnf("task %s: artifacts incomplete: %v", task.ID, err)
			return
		}
		logger.Infof("task %s: artifacts written to %s", task.ID, dir)
	}
}

// WriteRunJSON writes the summary as indented JSON.
func (w *Writer) WriteRunJSON(dir string, summary *Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, RunFile), data, 0600)
}

// Markdown renders a human-readable summary.
func Markdown(s *Summary) string {
	var md strings.Builder

	md.WriteString("# Autopilot Run Summary\n\n")
	md.WriteString(fmt.Sprintf("**Task:** %s\n\n", s.TaskID))
	md.WriteString(fmt.Sprintf("**Status:** %s\n\n", s.Status))
	md.WriteString(fmt.Sprintf("**Stages:** %s\n\n", strings.Join(s.Stages, " → ")))
	md.WriteString(fmt.Sprintf("**Attempts:** %d\n\n", s.Attempts))
	if !s.StartTime.IsZero() {
		md.WriteString(fmt.Sprintf("**Started:** %s\n\n", s.StartTime.Format(time.RFC3339)))
	}
	if !s.EndTime.IsZero() {
		md.WriteString(fmt.Sprintf("**Completed:** %s\n\n", s.EndTime.Format(time.RFC3339)))
	}
	md.WriteString(fmt.Sprintf("**Duration:** %s\n\n", s.Duration.Round(time.Millisecond)))

	md.WriteString("## Result\n\n")
	if s.Error != "" {
		md.WriteString(fmt.Sprintf("❌ **Error:** %s\n\n", s.Error))
	} else {
		md.WriteString("✅ **Success**\n\n")
	}

	if len(s.Results) > 0 {
		md.WriteString("## Accounts\n\n")
		md.WriteString("| Account | Status | Class | Message |\n")
		md.WriteString("|---|---|---|---|\n")
		for _, res := range s.Results {
			md.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
				cell(res.AccountID), res.Status, res.Class, cell(res.Message)))
		}
		md.WriteString("\n")

		md.WriteString("## Stages\n\n")
		for _, res := range s.Results {
			md.WriteString(fmt.Sprintf("### %s\n\n", res.AccountID))
			for _, st := range res.Stages {
				mark := "✅"
				switch {
				case st.Status == types.StageStatusFailed:
					mark = "❌"
				case st.Skipped:
					mark = "⏭"
				}
				md.WriteString(fmt.Sprintf("- %s **%s** %s", mark, st.Stage, st.Status))
				if st.Message != "" {
					md.WriteString(": " + st.Message)
				}
				md.WriteString("\n")
			}
			md.WriteString("\n")
		}
	}

	md.WriteString("## Metrics\n\n")
	md.WriteString(fmt.Sprintf("- **Accounts:** %d\n", s.Metrics.Accounts))
	md.WriteString(fmt.Sprintf("- **Succeeded:** %d\n", s.Metrics.Succeeded))
	md.WriteString(fmt.Sprintf("- **Failed:** %d\n", s.Metrics.Failed))
	md.WriteString(fmt.Sprintf("- **Cancelled:** %d\n", s.Metrics.Cancelled))
	md.WriteString(fmt.Sprintf("- **Retryable:** %d\n", s.Metrics.Retryable))
	md.WriteString(fmt.Sprintf("- **Stage runs:** %d (%d skipped)\n", s.Metrics.StageRuns, s.Metrics.StageSkipped))
	if len(s.Metrics.Failures) > 0 {
		classes := make([]string, 0, len(s.Metrics.Failures))
		for c := range s.Metrics.Failures {
			classes = append(classes, string(c))
		}
		sort.Strings(classes)
		for _, c := range classes {
			md.WriteString(fmt.Sprintf("- **%s:** %d\n", c, s.Metrics.Failures[types.FailureClass(c)]))
		}
	}
	return md.String()
}

func cell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// WriteHTML renders md into a standalone HTML page.
func (w *Writer) WriteHTML(dir, title, md string) error {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return fmt.Errorf("failed to render markdown: %w", err)
	}
	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">")
	page.WriteString("<title>" + html.EscapeString(title) + "</title>")
	page.WriteString("<style>body{font-family:sans-serif;max-width:60em;margin:2em auto}" +
		"table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.3em .6em}</style>")
	page.WriteString("</head><body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return os.WriteFile(filepath.Join(dir, HTMLFile), page.Bytes(), 0600)
}

// WriteTrace writes the task's timeline as zstd-compressed JSON lines.
func (w *Writer) WriteTrace(ctx context.Context, dir, taskID string) error {
	events, err := w.traces.Timeline(ctx, taskID, "")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, TraceFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	je := json.NewEncoder(enc)
	for _, e := range events {
		if err := je.Encode(e); err != nil {
			enc.Close()
			return err
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}

// ReadTrace decodes a trace file written by WriteTrace.
func ReadTrace(path string) ([]types.TraceEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var events []types.TraceEvent
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e types.TraceEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return events, fmt.Errorf("decode trace line %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
