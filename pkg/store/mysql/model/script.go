package model

import "time"

// ScriptType selects the executor for a script.
type ScriptType string

const (
	ScriptTypeShell  ScriptType = "shell"
	ScriptTypePython ScriptType = "python"
	ScriptTypeBinary ScriptType = "binary"
)

// Script is a registry entry for an executable script.
type Script struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name             string     `gorm:"column:name;type:varchar(255);not null;uniqueIndex:idx_script_name" json:"name"`
	ScriptType       ScriptType `gorm:"column:script_type;type:varchar(20);not null" json:"script_type"`
	FilePath         string     `gorm:"column:file_path;type:varchar(1000);not null" json:"file_path"`
	WorkingDirectory string     `gorm:"column:working_directory;type:varchar(1000)" json:"working_directory,omitempty"`
	RequirementsPath string     `gorm:"column:requirements_path;type:varchar(1000)" json:"requirements_path,omitempty"`
	RequirementsHash string     `gorm:"column:requirements_hash;type:varchar(64)" json:"requirements_hash,omitempty"`
	TimeoutSecs      int        `gorm:"column:timeout_secs;not null;default:300" json:"timeout_secs"`
	Enabled          bool       `gorm:"column:enabled;not null;default:true" json:"enabled"`
	CreatedAt        time.Time  `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"updated_at"`
}

// TableName specifies the table name for Script
func (Script) TableName() string {
	return "scripts"
}
