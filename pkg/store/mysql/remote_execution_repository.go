package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// RemoteExecutionRepository tracks prompts submitted to workers.
type RemoteExecutionRepository struct {
	ds *Datastore
}

// NewRemoteExecutionRepository creates a new remote execution repository
func NewRemoteExecutionRepository(ds *Datastore) *RemoteExecutionRepository {
	return &RemoteExecutionRepository{ds: ds}
}

// Create records a freshly submitted prompt in queued state.
func (r *RemoteExecutionRepository) Create(ctx context.Context, instanceID, jobID int64, promptID string) (*RemoteExecution, error) {
	exec := &RemoteExecution{
		InstanceID: instanceID,
		JobID:      jobID,
		PromptID:   promptID,
		Status:     RemoteStatusQueued,
	}
	if err := r.ds.DB(ctx).Create(exec).Error; err != nil {
		return nil, fmt.Errorf("failed to create remote execution: %w", err)
	}
	return exec, nil
}

// FindByPromptID returns nil, nil when absent.
func (r *RemoteExecutionRepository) FindByPromptID(ctx context.Context, promptID string) (*RemoteExecution, error) {
	var exec RemoteExecution
	err := r.ds.DB(ctx).Where("prompt_id = ?", promptID).First(&exec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find execution by prompt %s: %w", promptID, err)
	}
	return &exec, nil
}

// FindActiveByJobID returns the most recent execution of a job, nil, nil when absent.
func (r *RemoteExecutionRepository) FindActiveByJobID(ctx context.Context, jobID int64) (*RemoteExecution, error) {
	var exec RemoteExecution
	err := r.ds.DB(ctx).
		Where("job_id = ? AND status IN ?", jobID, []string{RemoteStatusQueued, RemoteStatusRunning}).
		Order("id DESC").
		First(&exec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find execution for job %d: %w", jobID, err)
	}
	return &exec, nil
}

func (r *RemoteExecutionRepository) update(ctx context.Context, promptID string, updates map[string]interface{}) error {
	err := r.ds.DB(ctx).Model(&RemoteExecution{}).
		Where("prompt_id = ?", promptID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", promptID, err)
	}
	return nil
}

// finish moves an execution that is still queued or running to a terminal status.
// It reports false when the row was already terminal or does not exist.
func (r *RemoteExecutionRepository) finish(ctx context.Context, promptID string, updates map[string]interface{}) (bool, error) {
	res := r.ds.DB(ctx).Model(&RemoteExecution{}).
		Where("prompt_id = ? AND status IN ?", promptID, []string{RemoteStatusQueued, RemoteStatusRunning}).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update execution %s: %w", promptID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkStarted only moves a queued execution; a late start frame never revives a terminal row.
func (r *RemoteExecutionRepository) MarkStarted(ctx context.Context, promptID string) error {
	err := r.ds.DB(ctx).Model(&RemoteExecution{}).
		Where("prompt_id = ? AND status = ?", promptID, RemoteStatusQueued).
		Updates(map[string]interface{}{
			"status":     RemoteStatusRunning,
			"started_at": r.ds.GetDB().NowFunc(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", promptID, err)
	}
	return nil
}

func (r *RemoteExecutionRepository) UpdateProgress(ctx context.Context, promptID string, percent int16) error {
	return r.update(ctx, promptID, map[string]interface{}{"progress_percent": percent})
}

func (r *RemoteExecutionRepository) UpdateCurrentNode(ctx context.Context, promptID, node string) error {
	return r.update(ctx, promptID, map[string]interface{}{"current_node": node})
}

func (r *RemoteExecutionRepository) MarkCompleted(ctx context.Context, promptID string) (bool, error) {
	return r.finish(ctx, promptID, map[string]interface{}{
		"status":           RemoteStatusCompleted,
		"progress_percent": 100,
		"completed_at":     r.ds.GetDB().NowFunc(),
	})
}

func (r *RemoteExecutionRepository) MarkFailed(ctx context.Context, promptID, message string) (bool, error) {
	return r.finish(ctx, promptID, map[string]interface{}{
		"status":        RemoteStatusFailed,
		"error_message": message,
		"completed_at":  r.ds.GetDB().NowFunc(),
	})
}

func (r *RemoteExecutionRepository) MarkCancelled(ctx context.Context, promptID string) (bool, error) {
	return r.finish(ctx, promptID, map[string]interface{}{
		"status":       RemoteStatusCancelled,
		"completed_at": r.ds.GetDB().NowFunc(),
	})
}
