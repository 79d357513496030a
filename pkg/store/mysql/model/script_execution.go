package model

import "time"

// ScriptExecutionStatus is the lifecycle state of one script invocation.
type ScriptExecutionStatus int16

const (
	ScriptExecPending   ScriptExecutionStatus = 1
	ScriptExecRunning   ScriptExecutionStatus = 2
	ScriptExecCompleted ScriptExecutionStatus = 3
	ScriptExecFailed    ScriptExecutionStatus = 4
	ScriptExecTimeout   ScriptExecutionStatus = 5
)

func (s ScriptExecutionStatus) String() string {
	switch s {
	case ScriptExecPending:
		return "pending"
	case ScriptExecRunning:
		return "running"
	case ScriptExecCompleted:
		return "completed"
	case ScriptExecFailed:
		return "failed"
	case ScriptExecTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ScriptExecution records one invocation of a Script.
type ScriptExecution struct {
	ID           int64                 `gorm:"primaryKey;autoIncrement" json:"id"`
	ScriptID     int64                 `gorm:"column:script_id;not null;index:idx_script" json:"script_id"`
	TriggeredBy  *int64                `gorm:"column:triggered_by" json:"triggered_by,omitempty"`
	JobID        *int64                `gorm:"column:job_id" json:"job_id,omitempty"`
	InputData    JSONMap               `gorm:"column:input_data;type:json" json:"input_data,omitempty"`
	OutputData   JSONMap               `gorm:"column:output_data;type:json" json:"output_data,omitempty"`
	StdoutLog    string                `gorm:"column:stdout_log;type:longtext" json:"stdout_log,omitempty"`
	StderrLog    string                `gorm:"column:stderr_log;type:longtext" json:"stderr_log,omitempty"`
	ExitCode     *int                  `gorm:"column:exit_code" json:"exit_code,omitempty"`
	DurationMs   *int64                `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	ErrorMessage string                `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	Status       ScriptExecutionStatus `gorm:"column:status;type:smallint;not null;index:idx_script_exec_status" json:"status"`
	StartedAt    *time.Time            `gorm:"column:started_at;type:datetime(3)" json:"started_at,omitempty"`
	CompletedAt  *time.Time            `gorm:"column:completed_at;type:datetime(3)" json:"completed_at,omitempty"`
	CreatedAt    time.Time             `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
}

// TableName specifies the table name for ScriptExecution
func (ScriptExecution) TableName() string {
	return "script_executions"
}
