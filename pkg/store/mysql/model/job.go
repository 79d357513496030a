package model

import "time"

// JobStatus is the lifecycle state of a generation job.
type JobStatus int16

const (
	JobStatusPending   JobStatus = 1
	JobStatusRunning   JobStatus = 2
	JobStatusCompleted JobStatus = 3
	JobStatusFailed    JobStatus = 4
	JobStatusCancelled JobStatus = 5
	// JobStatusRetrying is reserved for operator-driven retries; nothing enters it automatically.
	JobStatusRetrying JobStatus = 6
)

var jobStatusNames = map[JobStatus]string{
	JobStatusPending:   "pending",
	JobStatusRunning:   "running",
	JobStatusCompleted: "completed",
	JobStatusFailed:    "failed",
	JobStatusCancelled: "cancelled",
	JobStatusRetrying:  "retrying",
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// NonTerminalJobStatuses lists statuses that still hold a worker assignment.
var NonTerminalJobStatuses = []JobStatus{JobStatusPending, JobStatusRunning, JobStatusRetrying}

// Job MySQL model for jobs table
type Job struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobType         string     `gorm:"column:job_type;type:varchar(100);not null" json:"job_type"`
	Status          JobStatus  `gorm:"column:status;type:smallint;not null;index:idx_status_worker,priority:1;index:idx_claim,priority:1" json:"status"`
	Priority        int        `gorm:"column:priority;not null;default:0;index:idx_claim,priority:2" json:"priority"`
	SubmittedBy     *int64     `gorm:"column:submitted_by;index:idx_submitted_by" json:"submitted_by,omitempty"`
	WorkerID        *int64     `gorm:"column:worker_id;index:idx_status_worker,priority:2" json:"worker_id,omitempty"`
	Parameters      JSONMap    `gorm:"column:parameters;type:json;not null" json:"parameters"`
	ProgressPercent int16      `gorm:"column:progress_percent;not null;default:0" json:"progress_percent"`
	ProgressMessage string     `gorm:"column:progress_message;type:varchar(500)" json:"progress_message,omitempty"`
	Outputs         JSONMap    `gorm:"column:outputs;type:json" json:"outputs,omitempty"`
	ErrorMessage    string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	ErrorDetails    JSONMap    `gorm:"column:error_details;type:json" json:"error_details,omitempty"`
	RetryOfJobID    *int64     `gorm:"column:retry_of_job_id" json:"retry_of_job_id,omitempty"`
	SubmittedAt     time.Time  `gorm:"column:submitted_at;type:datetime(3);not null;index:idx_claim,priority:3" json:"submitted_at"`
	ClaimedAt       *time.Time `gorm:"column:claimed_at;type:datetime(3)" json:"claimed_at,omitempty"`
	StartedAt       *time.Time `gorm:"column:started_at;type:datetime(3)" json:"started_at,omitempty"`
	CompletedAt     *time.Time `gorm:"column:completed_at;type:datetime(3)" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"updated_at"`
}

// TableName specifies the table name for Job
func (Job) TableName() string {
	return "jobs"
}
