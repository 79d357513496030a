package model

import "time"

// Remote execution statuses mirror the worker side.
const (
	RemoteStatusQueued    = "queued"
	RemoteStatusRunning   = "running"
	RemoteStatusCompleted = "completed"
	RemoteStatusFailed    = "failed"
	RemoteStatusCancelled = "cancelled"
)

// RemoteExecution correlates a submitted job with the prompt id the worker assigned.
type RemoteExecution struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID      int64      `gorm:"column:instance_id;not null;index:idx_instance" json:"instance_id"`
	JobID           int64      `gorm:"column:job_id;not null;index:idx_job" json:"job_id"`
	PromptID        string     `gorm:"column:prompt_id;type:varchar(255);not null;uniqueIndex:idx_prompt_id" json:"prompt_id"`
	Status          string     `gorm:"column:status;type:varchar(20);not null" json:"status"`
	ProgressPercent int16      `gorm:"column:progress_percent;not null;default:0" json:"progress_percent"`
	CurrentNode     string     `gorm:"column:current_node;type:varchar(255)" json:"current_node,omitempty"`
	ErrorMessage    string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	StartedAt       *time.Time `gorm:"column:started_at;type:datetime(3)" json:"started_at,omitempty"`
	CompletedAt     *time.Time `gorm:"column:completed_at;type:datetime(3)" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"updated_at"`
}

// TableName specifies the table name for RemoteExecution
func (RemoteExecution) TableName() string {
	return "remote_executions"
}
