package notify

import "time"

// Outbound envelope types.
const (
	TypeJobProgress   = "job_progress"
	TypeJobCompleted  = "job_completed"
	TypeJobFailed     = "job_failed"
	TypeJobCancelled  = "job_cancelled"
	TypeGPUMetrics    = "gpu_metrics"
	TypeRestartResult = "restart_result"
)

// JobProgress is pushed for every progress update of a running job.
type JobProgress struct {
	Type        string  `json:"type"`
	JobID       int64   `json:"job_id"`
	Percent     int16   `json:"percent"`
	CurrentNode *string `json:"current_node"`
}

// JobOutcome is pushed when a job reaches a terminal state.
type JobOutcome struct {
	Type  string `json:"type"`
	JobID int64  `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// GPUMetrics carries one worker's system stats document.
type GPUMetrics struct {
	Type       string      `json:"type"`
	InstanceID int64       `json:"instance_id"`
	Stats      interface{} `json:"stats"`
}

// RestartResult reports the outcome of an operator-requested worker restart.
type RestartResult struct {
	Type       string `json:"type"`
	InstanceID int64  `json:"instance_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// TypeNotification carries a platform event routed to a user.
const TypeNotification = "notification"

// PlatformNotification is pushed to the connections of each targeted user.
type PlatformNotification struct {
	Type      string                 `json:"type"`
	EventID   int64                  `json:"event_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}
