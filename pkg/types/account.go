package types

import "time"

// StageStatus is the persisted outcome of one pipeline stage for one account.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending" // StageStatusPending indicates the stage has never run.
	StageStatusRunning StageStatus = "running" // StageStatusRunning indicates the stage is executing right now.
	StageStatusSuccess StageStatus = "success" // StageStatusSuccess is sticky: the stage is never executed again.
	StageStatusFailed  StageStatus = "failed"  // StageStatusFailed indicates the last execution failed.
	StageStatusSkipped StageStatus = "skipped" // StageStatusSkipped indicates an earlier required stage failed.
)

// Well-known stage names. Pipelines may register others.
const (
	StageLogin       = "login"
	StageEntitlement = "entitlement_link"
	StageVerify      = "verify"
	StageInvite      = "invite"
	StageAccept      = "accept"
	StagePoolEnroll  = "pool_enroll"
)

// StageRecord is the per-stage status block stored on an account.
type StageRecord struct {
	Status      StageStatus    `json:"status" yaml:"status"`
	StartedAt   time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Attempts    int            `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	TaskID      string         `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Result      map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Account is one managed online account.
//
// A parent account owns up to SeatCapacity child seats listed in Children;
// each child points back through ParentID.
type Account struct {
	ID              string                 `json:"id" yaml:"id"`
	Email           string                 `json:"email" yaml:"email"`
	Password        string                 `json:"password" yaml:"password"`
	MailPassword    string                 `json:"mail_password,omitempty" yaml:"mail_password,omitempty"`
	RecoveryContact string                 `json:"recovery_contact,omitempty" yaml:"recovery_contact,omitempty"`
	OTPSecret       string                 `json:"otp_secret,omitempty" yaml:"otp_secret,omitempty"`
	ProfileName     string                 `json:"profile_name,omitempty" yaml:"profile_name,omitempty"`
	Proxy           string                 `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	ParentID        string                 `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	SeatCapacity    int                    `json:"seat_capacity,omitempty" yaml:"seat_capacity,omitempty"`
	Children        []string               `json:"children,omitempty" yaml:"children,omitempty"`
	Stages          map[string]StageRecord `json:"stages,omitempty" yaml:"stages,omitempty"`
	CreatedAt       time.Time              `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at" yaml:"updated_at,omitempty"`
}

// IsParent reports whether the account can own child seats.
func (a *Account) IsParent() bool {
	return a.ParentID == "" && a.SeatCapacity > 0
}

// Stage returns the record for the named stage, or a pending record.
func (a *Account) Stage(name string) StageRecord {
	if a.Stages == nil {
		return StageRecord{Status: StageStatusPending}
	}
	rec, ok := a.Stages[name]
	if !ok || rec.Status == "" {
		return StageRecord{Status: StageStatusPending}
	}
	return rec
}

// Succeeded reports whether the named stage already recorded success.
func (a *Account) Succeeded(stage string) bool {
	return a.Stage(stage).Status == StageStatusSuccess
}

// SetStage stores rec under name, allocating the map on first use.
func (a *Account) SetStage(name string, rec StageRecord) {
	if a.Stages == nil {
		a.Stages = make(map[string]StageRecord)
	}
	a.Stages[name] = rec
}

// ResourceID returns the session-pool key for the account's browser profile.
func (a *Account) ResourceID() string {
	if a.ProfileName != "" {
		return a.ProfileName
	}
	return a.ID
}

// HasChild reports whether id is already one of the account's seats.
func (a *Account) HasChild(id string) bool {
	for _, c := range a.Children {
		if c == id {
			return true
		}
	}
	return false
}
