package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// ScriptRepository reads the script registry.
type ScriptRepository struct {
	ds *Datastore
}

// NewScriptRepository creates a new script repository
func NewScriptRepository(ds *Datastore) *ScriptRepository {
	return &ScriptRepository{ds: ds}
}

// Get returns nil, nil when absent.
func (r *ScriptRepository) Get(ctx context.Context, id int64) (*Script, error) {
	var s Script
	if err := r.ds.DB(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get script %d: %w", id, err)
	}
	return &s, nil
}

// ScriptExecutionRepository persists script invocations.
type ScriptExecutionRepository struct {
	ds *Datastore
}

// NewScriptExecutionRepository creates a new script execution repository
func NewScriptExecutionRepository(ds *Datastore) *ScriptExecutionRepository {
	return &ScriptExecutionRepository{ds: ds}
}

// Create inserts a Pending execution record.
func (r *ScriptExecutionRepository) Create(ctx context.Context, exec *ScriptExecution) error {
	exec.Status = ScriptExecPending
	if err := r.ds.DB(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("failed to create script execution: %w", err)
	}
	return nil
}

// Get returns nil, nil when absent.
func (r *ScriptExecutionRepository) Get(ctx context.Context, id int64) (*ScriptExecution, error) {
	var e ScriptExecution
	if err := r.ds.DB(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get script execution %d: %w", id, err)
	}
	return &e, nil
}

// MarkRunning transitions Pending -> Running.
func (r *ScriptExecutionRepository) MarkRunning(ctx context.Context, id int64) error {
	result := r.ds.DB(ctx).Model(&ScriptExecution{}).
		Where("id = ? AND status = ?", id, ScriptExecPending).
		Updates(map[string]interface{}{
			"status":     ScriptExecRunning,
			"started_at": r.ds.GetDB().NowFunc(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark script execution %d running: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("script execution %d is not pending", id)
	}
	return nil
}

// finalize applies a terminal update once; later attempts are rejected.
func (r *ScriptExecutionRepository) finalize(ctx context.Context, id int64, updates map[string]interface{}) error {
	updates["completed_at"] = r.ds.GetDB().NowFunc()
	result := r.ds.DB(ctx).Model(&ScriptExecution{}).
		Where("id = ? AND status IN ?", id, []ScriptExecutionStatus{ScriptExecPending, ScriptExecRunning}).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to finalize script execution %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("script execution %d already finalized", id)
	}
	return nil
}

// MarkCompleted records a finished process, whatever its exit code.
func (r *ScriptExecutionRepository) MarkCompleted(ctx context.Context, id int64, stdout, stderr string, exitCode int, durationMs int64, output JSONMap) error {
	return r.finalize(ctx, id, map[string]interface{}{
		"status":      ScriptExecCompleted,
		"stdout_log":  stdout,
		"stderr_log":  stderr,
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"output_data": output,
	})
}

// MarkFailed records a failure that prevented a normal exit.
func (r *ScriptExecutionRepository) MarkFailed(ctx context.Context, id int64, message, stderr string) error {
	return r.finalize(ctx, id, map[string]interface{}{
		"status":        ScriptExecFailed,
		"error_message": message,
		"stderr_log":    stderr,
	})
}

// MarkTimeout records a process killed for exceeding its timeout.
func (r *ScriptExecutionRepository) MarkTimeout(ctx context.Context, id int64, durationMs int64) error {
	return r.finalize(ctx, id, map[string]interface{}{
		"status":        ScriptExecTimeout,
		"duration_ms":   durationMs,
		"error_message": "Execution timed out",
	})
}
