package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorkerInstanceRepository persists GPU worker instances.
type WorkerInstanceRepository struct {
	ds *Datastore
}

// NewWorkerInstanceRepository creates a new worker instance repository
func NewWorkerInstanceRepository(ds *Datastore) *WorkerInstanceRepository {
	return &WorkerInstanceRepository{ds: ds}
}

// ListEnabled returns all instances the manager should connect to.
func (r *WorkerInstanceRepository) ListEnabled(ctx context.Context) ([]*WorkerInstance, error) {
	var instances []*WorkerInstance
	if err := r.ds.DB(ctx).Where("enabled = ?", true).Order("id ASC").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list enabled instances: %w", err)
	}
	return instances, nil
}

// Get returns nil, nil when absent.
func (r *WorkerInstanceRepository) Get(ctx context.Context, id int64) (*WorkerInstance, error) {
	var inst WorkerInstance
	if err := r.ds.DB(ctx).Where("id = ?", id).First(&inst).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get instance %d: %w", id, err)
	}
	return &inst, nil
}

// Upsert inserts or updates an instance keyed by name.
func (r *WorkerInstanceRepository) Upsert(ctx context.Context, inst *WorkerInstance) error {
	err := r.ds.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"ws_url", "api_url", "enabled"}),
	}).Create(inst).Error
	if err != nil {
		return fmt.Errorf("failed to upsert instance %s: %w", inst.Name, err)
	}
	return nil
}

// RecordConnection stamps a successful connect and resets the failure counter.
func (r *WorkerInstanceRepository) RecordConnection(ctx context.Context, id int64) error {
	err := r.ds.DB(ctx).Model(&WorkerInstance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_connected_at":  r.ds.GetDB().NowFunc(),
			"reconnect_attempts": 0,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record connection for instance %d: %w", id, err)
	}
	return nil
}

// RecordDisconnection stamps a disconnect and bumps the failure counter.
func (r *WorkerInstanceRepository) RecordDisconnection(ctx context.Context, id int64) error {
	err := r.ds.DB(ctx).Model(&WorkerInstance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_disconnected_at": r.ds.GetDB().NowFunc(),
			"reconnect_attempts":   gorm.Expr("reconnect_attempts + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record disconnection for instance %d: %w", id, err)
	}
	return nil
}
