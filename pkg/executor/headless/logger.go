package headless

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/report"
	"github.com/entrhq/autopilot/pkg/types"
)

// Console prints run progress and the final summary for a person watching
// a terminal or a CI log. Colors are dropped when the writer is not a
// terminal.
type Console struct {
	level  logging.Level
	writer io.Writer

	header  lipgloss.Style
	section lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
	bold    lipgloss.Style

	startTime time.Time
	stepCount int
}

// NewConsole creates a console writing to w (stdout when nil).
func NewConsole(w io.Writer, level logging.Level) *Console {
	if w == nil {
		w = os.Stdout
	}
	r := lipgloss.NewRenderer(w)
	return &Console{
		level:     level,
		writer:    w,
		header:    r.NewStyle().Foreground(lipgloss.Color("#FFB3BA")).Bold(true),
		section:   r.NewStyle().Foreground(lipgloss.Color("#FFCCCB")).Bold(true),
		success:   r.NewStyle().Foreground(lipgloss.Color("#A8E6CF")).Bold(true),
		warning:   r.NewStyle().Foreground(lipgloss.Color("#FFD580")),
		failure:   r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		muted:     r.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		bold:      r.NewStyle().Bold(true),
		startTime: time.Now(),
	}
}

// Header prints a header with a separator.
func (l *Console) Header(message string) {
	if l.level < logging.LevelNormal {
		return
	}
	fmt.Fprintln(l.writer, l.header.Render(message))
	fmt.Fprintln(l.writer, l.muted.Render(strings.Repeat("─", 60)))
}

// Section prints a section title.
func (l *Console) Section(title string) {
	if l.level < logging.LevelNormal {
		return
	}
	fmt.Fprintf(l.writer, "\n%s\n", l.section.Render(title))
}

// Step prints a numbered step.
func (l *Console) Step(message string) {
	if l.level < logging.LevelNormal {
		return
	}
	l.stepCount++
	fmt.Fprintf(l.writer, "%s %s\n", l.muted.Render(fmt.Sprintf("[%d]", l.stepCount)), message)
}

func (l *Console) Successf(format string, args ...interface{}) {
	if l.level < logging.LevelNormal {
		return
	}
	fmt.Fprintln(l.writer, l.success.Render("✓ "+fmt.Sprintf(format, args...)))
}

func (l *Console) Infof(format string, args ...interface{}) {
	if l.level < logging.LevelNormal {
		return
	}
	fmt.Fprintf(l.writer, "  %s\n", fmt.Sprintf(format, args...))
}

// Warningf is printed at every level except quiet.
func (l *Console) Warningf(format string, args ...interface{}) {
	if l.level < logging.LevelNormal {
		return
	}
	fmt.Fprintln(l.writer, l.warning.Render("⚠ "+fmt.Sprintf(format, args...)))
}

// Errorf is always printed.
func (l *Console) Errorf(format string, args ...interface{}) {
	fmt.Fprintln(l.writer, l.failure.Render("✗ "+fmt.Sprintf(format, args...)))
}

func (l *Console) Verbosef(format string, args ...interface{}) {
	if l.level < logging.LevelVerbose {
		return
	}
	fmt.Fprintln(l.writer, l.muted.Render("  "+fmt.Sprintf(format, args...)))
}

// Progress prints the position of a running task.
func (l *Console) Progress(p types.Progress) {
	if l.level < logging.LevelNormal {
		return
	}
	elapsed := time.Since(l.startTime).Round(time.Second)
	fmt.Fprintf(l.writer, "%s %d/%d %s\n", l.muted.Render(fmt.Sprintf("[%s]", elapsed)), p.Current, p.Total, p.Label)
}

// Summary prints the final run summary. It is printed at every level.
func (l *Console) Summary(s *report.Summary) {
	l.printSummaryHeader()
	l.printStatus(s.Status)
	fmt.Fprintf(l.writer, "  Task: %s\n", s.TaskID)
	fmt.Fprintf(l.writer, "  Stages: %s\n", strings.Join(s.Stages, " → "))
	fmt.Fprintf(l.writer, "  Duration: %s\n", s.Duration.Round(time.Second))
	if s.Attempts > 1 {
		fmt.Fprintf(l.writer, "  Attempts: %d\n", s.Attempts)
	}
	l.printMetrics(s.Metrics)
	l.printAccounts(s)
	if s.Error != "" {
		fmt.Fprintf(l.writer, "\n  %s %s\n", l.failure.Render("Error:"), s.Error)
	}
	fmt.Fprintln(l.writer, l.bold.Render(strings.Repeat("═", 60)))
}

func (l *Console) printSummaryHeader() {
	fmt.Fprintln(l.writer)
	fmt.Fprintln(l.writer, l.bold.Render(strings.Repeat("═", 60)))
	fmt.Fprintln(l.writer, l.bold.Render("  RUN SUMMARY"))
	fmt.Fprintln(l.writer, l.bold.Render(strings.Repeat("═", 60)))
}

func (l *Console) printStatus(status types.TaskStatus) {
	fmt.Fprint(l.writer, "  Status: ")
	switch status {
	case types.TaskSuccess:
		fmt.Fprintln(l.writer, l.success.Render("✓ SUCCESS"))
	case types.TaskCancelled:
		fmt.Fprintln(l.writer, l.warning.Render("⚠ CANCELLED"))
	case types.TaskFailed:
		fmt.Fprintln(l.writer, l.failure.Render("✗ FAILED"))
	default:
		fmt.Fprintln(l.writer, string(status))
	}
}

func (l *Console) printMetrics(m report.Metrics) {
	fmt.Fprintf(l.writer, "\n  📊 Accounts: %d succeeded, %d failed, %d cancelled (of %d)\n",
		m.Succeeded, m.Failed, m.Cancelled, m.Accounts)
	if m.StageSkipped > 0 {
		fmt.Fprintf(l.writer, "    Stages run: %d, skipped: %d\n", m.StageRuns, m.StageSkipped)
	}
	if len(m.Failures) == 0 {
		return
	}
	classes := make([]string, 0, len(m.Failures))
	for c := range m.Failures {
		classes = append(classes, string(c))
	}
	sort.Strings(classes)
	for _, c := range classes {
		fmt.Fprintf(l.writer, "    %s: %d\n", c, m.Failures[types.FailureClass(c)])
	}
}

// printAccounts lists failed accounts, and every account when verbose.
func (l *Console) printAccounts(s *report.Summary) {
	var rows []types.AccountResult
	for _, r := range s.Results {
		if r.Status != types.AccountSuccess || l.level >= logging.LevelVerbose {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(l.writer, "\n  👤 Accounts:\n")
	for _, r := range rows {
		switch r.Status {
		case types.AccountSuccess:
			fmt.Fprintf(l.writer, "    %s %s\n", l.success.Render("✓"), r.AccountID)
		case types.AccountCancelled:
			fmt.Fprintf(l.writer, "    %s %s %s\n", l.warning.Render("⚠"), r.AccountID, l.muted.Render(r.Message))
		default:
			fmt.Fprintf(l.writer, "    %s %s [%s] %s\n", l.failure.Render("✗"), r.AccountID, r.Class, l.muted.Render(r.Message))
		}
	}
}
