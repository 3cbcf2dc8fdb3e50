package types

import "time"

// TaskStatus is the lifecycle status of a pipeline task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) rank() int {
	switch s {
	case TaskQueued:
		return 0
	case TaskRunning:
		return 1
	case TaskSuccess, TaskFailed, TaskCancelled:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether s may move to next. Status only moves
// forward; a running task may be re-entered by a retry attempt.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	if s == "" {
		return true
	}
	return next.rank() >= s.rank()
}

// Progress is the incremental position of a running task.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label"`
}

// AccountStatus is the overall outcome of one account within a run.
type AccountStatus string

const (
	AccountSuccess   AccountStatus = "success"
	AccountFailed    AccountStatus = "failed"
	AccountCancelled AccountStatus = "cancelled"
)

// StageOutcome describes what happened to one stage of one account in a run.
type StageOutcome struct {
	Stage    string         `json:"stage"`
	Status   StageStatus    `json:"status"`
	Skipped  bool           `json:"skipped,omitempty"`
	Message  string         `json:"message,omitempty"`
	Class    FailureClass   `json:"class,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
}

// AccountResult is the per-account section of a run report.
type AccountResult struct {
	AccountID string         `json:"account_id"`
	Status    AccountStatus  `json:"status"`
	Message   string         `json:"message,omitempty"`
	Class     FailureClass   `json:"class,omitempty"`
	Stages    []StageOutcome `json:"stages,omitempty"`
}

// Retryable reports whether the account failed for a reason a later
// attempt may resolve.
func (r AccountResult) Retryable() bool {
	return r.Status == AccountFailed && r.Class.Retryable()
}

// Task is the persisted record of one run_pipeline invocation.
type Task struct {
	ID          string          `json:"id"`
	Accounts    []string        `json:"accounts"`
	Stages      []string        `json:"stages"`
	Optional    []string        `json:"optional,omitempty"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Progress    Progress        `json:"progress"`
	Results     []AccountResult `json:"results,omitempty"`
	Error       string          `json:"error,omitempty"`
}
