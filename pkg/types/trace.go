package types

import "time"

// TraceLevel is the severity of a trace event.
type TraceLevel string

const (
	TraceDebug TraceLevel = "debug"
	TraceInfo  TraceLevel = "info"
	TraceWarn  TraceLevel = "warn"
	TraceError TraceLevel = "error"
)

// TraceEvent is one immutable entry of the automation timeline. TaskID and
// AccountID are always set so a per-account timeline can be rebuilt by
// filtering.
type TraceEvent struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	TaskID     string     `json:"task_id"`
	AccountID  string     `json:"account_id"`
	Step       string     `json:"step"`
	Action     string     `json:"action"`
	Level      TraceLevel `json:"level"`
	Message    string     `json:"message"`
	Screenshot string     `json:"screenshot,omitempty"`
	URL        string     `json:"url,omitempty"`
}
