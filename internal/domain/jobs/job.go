package jobs

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is expected from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TerminalStatuses lists completed, failed and cancelled.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusCancelled}
}

const (
	DefaultPriority    = 100
	DefaultMaxAttempts = 3
)

// Job is a queue row. Lower Priority values are claimed first; ties go to the
// oldest CreatedAt. LockedBy/LockedAt are set only while Status is processing.
type Job struct {
	ID           string         `gorm:"column:id;primaryKey" json:"id"`
	Type         JobType        `gorm:"column:type;not null;index" json:"type"`
	Payload      datatypes.JSON `gorm:"column:payload" json:"payload"`
	Status       Status         `gorm:"column:status;not null;index" json:"status"`
	Progress     int            `gorm:"column:progress;not null" json:"progress"`
	Result       datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	Error        *string        `gorm:"column:error" json:"error,omitempty"`
	Attempts     int            `gorm:"column:attempts;not null" json:"attempts"`
	MaxAttempts  int            `gorm:"column:max_attempts;not null" json:"max_attempts"`
	Priority     int            `gorm:"column:priority;not null" json:"priority"`
	ScheduledFor time.Time      `gorm:"column:scheduled_for;not null;index" json:"scheduled_for"`
	LockedBy     *string        `gorm:"column:locked_by" json:"locked_by,omitempty"`
	LockedAt     *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
	StartedAt    *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time     `gorm:"column:completed_at;index" json:"completed_at,omitempty"`
}

func (Job) TableName() string { return "job" }

// CanRetry reports whether another attempt is allowed after the current one.
func (j *Job) CanRetry() bool {
	return j != nil && j.Attempts < j.MaxAttempts
}

// QueueStats is a point-in-time count of jobs per status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// Set records n jobs for status s; unknown statuses are ignored.
func (s *QueueStats) Set(status Status, n int64) {
	switch status {
	case StatusPending:
		s.Pending = n
	case StatusProcessing:
		s.Processing = n
	case StatusCompleted:
		s.Completed = n
	case StatusFailed:
		s.Failed = n
	case StatusCancelled:
		s.Cancelled = n
	}
}

// ByStatus flattens the counts for metrics export.
func (s QueueStats) ByStatus() map[Status]int64 {
	return map[Status]int64{
		StatusPending:    s.Pending,
		StatusProcessing: s.Processing,
		StatusCompleted:  s.Completed,
		StatusFailed:     s.Failed,
		StatusCancelled:  s.Cancelled,
	}
}
