package model

import "time"

// WorkerInstance is a GPU worker reachable over HTTP and a websocket session.
type WorkerInstance struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name               string     `gorm:"column:name;type:varchar(255);not null;uniqueIndex:idx_worker_name" json:"name"`
	WSURL              string     `gorm:"column:ws_url;type:varchar(500);not null" json:"ws_url"`
	APIURL             string     `gorm:"column:api_url;type:varchar(500);not null" json:"api_url"`
	Enabled            bool       `gorm:"column:enabled;not null;default:true" json:"enabled"`
	LastConnectedAt    *time.Time `gorm:"column:last_connected_at;type:datetime(3)" json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time `gorm:"column:last_disconnected_at;type:datetime(3)" json:"last_disconnected_at,omitempty"`
	ReconnectAttempts  int        `gorm:"column:reconnect_attempts;not null;default:0" json:"reconnect_attempts"`
	CreatedAt          time.Time  `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"updated_at"`
}

// TableName specifies the table name for WorkerInstance
func (WorkerInstance) TableName() string {
	return "worker_instances"
}
