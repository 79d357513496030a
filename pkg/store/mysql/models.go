package mysql

import "gpubridge/pkg/store/mysql/model"

// Re-export types from model package so callers only import the store.

type (
	Job                    = model.Job
	JobStatus              = model.JobStatus
	WorkerInstance         = model.WorkerInstance
	RemoteExecution        = model.RemoteExecution
	Script                 = model.Script
	ScriptType             = model.ScriptType
	ScriptExecution        = model.ScriptExecution
	ScriptExecutionStatus  = model.ScriptExecutionStatus
	PlatformEvent          = model.PlatformEvent
	WebhookSubscription    = model.WebhookSubscription
	NotificationPreference = model.NotificationPreference
	Notification           = model.Notification

	JSONMap = model.JSONMap
)

const (
	JobStatusPending   = model.JobStatusPending
	JobStatusRunning   = model.JobStatusRunning
	JobStatusCompleted = model.JobStatusCompleted
	JobStatusFailed    = model.JobStatusFailed
	JobStatusCancelled = model.JobStatusCancelled
	JobStatusRetrying  = model.JobStatusRetrying

	RemoteStatusQueued    = model.RemoteStatusQueued
	RemoteStatusRunning   = model.RemoteStatusRunning
	RemoteStatusCompleted = model.RemoteStatusCompleted
	RemoteStatusFailed    = model.RemoteStatusFailed
	RemoteStatusCancelled = model.RemoteStatusCancelled

	ScriptExecPending   = model.ScriptExecPending
	ScriptExecRunning   = model.ScriptExecRunning
	ScriptExecCompleted = model.ScriptExecCompleted
	ScriptExecFailed    = model.ScriptExecFailed
	ScriptExecTimeout   = model.ScriptExecTimeout

	ChannelInApp   = model.ChannelInApp
	ChannelEmail   = model.ChannelEmail
	ChannelWebhook = model.ChannelWebhook
	ChannelDigest  = model.ChannelDigest
)

var (
	NonTerminalJobStatuses = model.NonTerminalJobStatuses
	ToJSONMap              = model.ToJSONMap
)

// AllModels lists every table for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Job{}, &WorkerInstance{}, &RemoteExecution{}, &Script{}, &ScriptExecution{},
		&PlatformEvent{}, &WebhookSubscription{}, &NotificationPreference{}, &Notification{},
	}
}
