package trace

import (
	"context"
	"fmt"

	"github.com/entrhq/autopilot/pkg/types"
)

// Scope binds a logger to one task and account so every event carries both
// ids. Values passed as secrets are redacted from that account's events.
type Scope struct {
	l         *Logger
	taskID    string
	accountID string
	secrets   []string
}

// Scope returns a scope for taskID and accountID.
func (l *Logger) Scope(taskID, accountID string, secrets ...string) *Scope {
	secrets = append([]string(nil), secrets...)
	sortLongestFirst(secrets)
	return &Scope{l: l, taskID: taskID, accountID: accountID, secrets: secrets}
}

// TaskID returns the bound task id.
func (s *Scope) TaskID() string {
	if s == nil {
		return ""
	}
	return s.taskID
}

// AccountID returns the bound account id.
func (s *Scope) AccountID() string {
	if s == nil {
		return ""
	}
	return s.accountID
}

// Emit appends event with the scope's ids.
func (s *Scope) Emit(ctx context.Context, event types.TraceEvent) {
	if s == nil || s.l == nil {
		return
	}
	event.TaskID = s.taskID
	event.AccountID = s.accountID
	event.Message = redactLiterals(event.Message, s.secrets)
	event.URL = redactLiterals(event.URL, s.secrets)
	s.l.Append(ctx, event)
}

func (s *Scope) emitf(ctx context.Context, level types.TraceLevel, step, action, format string, args ...any) {
	s.Emit(ctx, types.TraceEvent{
		Step:    step,
		Action:  action,
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

func (s *Scope) Debug(ctx context.Context, step, action, format string, args ...any) {
	s.emitf(ctx, types.TraceDebug, step, action, format, args...)
}

func (s *Scope) Info(ctx context.Context, step, action, format string, args ...any) {
	s.emitf(ctx, types.TraceInfo, step, action, format, args...)
}

func (s *Scope) Warn(ctx context.Context, step, action, format string, args ...any) {
	s.emitf(ctx, types.TraceWarn, step, action, format, args...)
}

func (s *Scope) Error(ctx context.Context, step, action, format string, args ...any) {
	s.emitf(ctx, types.TraceError, step, action, format, args...)
}

// Capture stores png and appends an error event referencing it and url.
// A failed save is still traced, without the screenshot.
func (s *Scope) Capture(ctx context.Context, step, message, url string, png []byte) {
	if s == nil || s.l == nil {
		return
	}
	path, err := s.l.SaveScreenshot(s.taskID, s.accountID, step, png)
	if err != nil {
		s.l.log.Warnf("screenshot for %s/%s not saved: %v", s.accountID, step, err)
	}
	s.Emit(ctx, types.TraceEvent{
		Step:       step,
		Action:     "screenshot",
		Level:      types.TraceError,
		Message:    message,
		URL:        url,
		Screenshot: path,
	})
}
