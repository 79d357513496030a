package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// staleClaimAfter bounds how long a claimed job may stay Pending. A claim normally moves to
// Running within the same dispatch cycle; an older one is abandoned and claimable again.
const staleClaimAfter = time.Minute

// JobRepository persists generation jobs.
type JobRepository struct {
	ds *Datastore
}

// NewJobRepository creates a new job repository
func NewJobRepository(ds *Datastore) *JobRepository {
	return &JobRepository{ds: ds}
}

// Create inserts a new job; status defaults to Pending.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job.Status == 0 {
		job.Status = JobStatusPending
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = r.ds.GetDB().NowFunc()
	}
	if err := r.ds.DB(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get retrieves a job by id. Returns nil, nil when absent.
func (r *JobRepository) Get(ctx context.Context, id int64) (*Job, error) {
	var job Job
	err := r.ds.DB(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return &job, nil
}

// BusyWorkerIDs returns the subset of workerIDs that hold a Pending or Running job.
func (r *JobRepository) BusyWorkerIDs(ctx context.Context, workerIDs []int64) ([]int64, error) {
	if len(workerIDs) == 0 {
		return nil, nil
	}
	var busy []int64
	staleBefore := r.ds.GetDB().NowFunc().Add(-staleClaimAfter)
	err := r.ds.DB(ctx).Model(&Job{}).
		Distinct("worker_id").
		Where("worker_id IN ?", workerIDs).
		Where("status = ? OR (status = ? AND claimed_at >= ?)", JobStatusRunning, JobStatusPending, staleBefore).
		Pluck("worker_id", &busy).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query busy workers: %w", err)
	}
	return busy, nil
}

// ClaimNext assigns the highest-priority, oldest unassigned pending job to workerID.
// Rows locked by a concurrent claimer are skipped, so a job is never handed out twice.
// Returns nil, nil when nothing is claimable.
func (r *JobRepository) ClaimNext(ctx context.Context, workerID int64) (*Job, error) {
	var claimed *Job

	err := r.ds.ExecTx(ctx, func(txCtx context.Context) error {
		var job Job
		staleBefore := r.ds.GetDB().NowFunc().Add(-staleClaimAfter)
		err := r.ds.DB(txCtx).
			Where("status = ?", JobStatusPending).
			Where("worker_id IS NULL OR claimed_at < ?", staleBefore).
			Order("priority DESC").
			Order("submitted_at ASC").
			Limit(1).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&job).Error
		if err != nil {
			return fmt.Errorf("failed to select pending job: %w", err)
		}
		if job.ID == 0 {
			return nil
		}

		now := r.ds.GetDB().NowFunc()
		err = r.ds.DB(txCtx).Model(&Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"worker_id":  workerID,
				"claimed_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to claim job %d: %w", job.ID, err)
		}

		job.WorkerID = &workerID
		job.ClaimedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkStarted moves a claimed job to Running.
func (r *JobRepository) MarkStarted(ctx context.Context, id int64) error {
	result := r.ds.DB(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusPending).
		Updates(map[string]interface{}{
			"status":     JobStatusRunning,
			"started_at": r.ds.GetDB().NowFunc(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark job %d started: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %d is not pending", id)
	}
	return nil
}

// ReleaseClaim returns a claimed but unstarted job to the unassigned pool.
func (r *JobRepository) ReleaseClaim(ctx context.Context, id int64) error {
	err := r.ds.DB(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusPending).
		Updates(map[string]interface{}{
			"worker_id":  nil,
			"claimed_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to release claim on job %d: %w", id, err)
	}
	return nil
}

// UpdateProgress stores the latest percent and stage label.
func (r *JobRepository) UpdateProgress(ctx context.Context, id int64, percent int16, message string) error {
	err := r.ds.DB(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, NonTerminalJobStatuses).
		Updates(map[string]interface{}{
			"progress_percent": percent,
			"progress_message": message,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update job %d progress: %w", id, err)
	}
	return nil
}

// Complete marks a job completed with its outputs.
func (r *JobRepository) Complete(ctx context.Context, id int64, outputs JSONMap) error {
	err := r.ds.DB(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, NonTerminalJobStatuses).
		Updates(map[string]interface{}{
			"status":           JobStatusCompleted,
			"progress_percent": 100,
			"outputs":          outputs,
			"completed_at":     r.ds.GetDB().NowFunc(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nil
}

// Fail marks a job failed. details may be nil.
func (r *JobRepository) Fail(ctx context.Context, id int64, message string, details JSONMap) error {
	err := r.ds.DB(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, NonTerminalJobStatuses).
		Updates(map[string]interface{}{
			"status":        JobStatusFailed,
			"error_message": message,
			"error_details": details,
			"completed_at":  r.ds.GetDB().NowFunc(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", id, err)
	}
	return nil
}

// Cancel cancels a non-terminal job. Returns false if the job was already terminal.
func (r *JobRepository) Cancel(ctx context.Context, id int64) (bool, error) {
	result := r.ds.DB(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, NonTerminalJobStatuses).
		Updates(map[string]interface{}{
			"status":       JobStatusCancelled,
			"completed_at": r.ds.GetDB().NowFunc(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to cancel job %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Retry creates a fresh Pending copy of a failed or cancelled job.
func (r *JobRepository) Retry(ctx context.Context, id int64) (*Job, error) {
	var retried *Job
	err := r.ds.ExecTx(ctx, func(txCtx context.Context) error {
		var orig Job
		if err := r.ds.DB(txCtx).Where("id = ?", id).First(&orig).Error; err != nil {
			return fmt.Errorf("failed to load job %d: %w", id, err)
		}
		if orig.Status != JobStatusFailed && orig.Status != JobStatusCancelled {
			return fmt.Errorf("job %d is %s, only failed or cancelled jobs can be retried", id, orig.Status)
		}

		job := &Job{
			JobType:      orig.JobType,
			Status:       JobStatusPending,
			Priority:     orig.Priority,
			SubmittedBy:  orig.SubmittedBy,
			Parameters:   orig.Parameters,
			RetryOfJobID: &orig.ID,
			SubmittedAt:  r.ds.GetDB().NowFunc(),
		}
		if err := r.ds.DB(txCtx).Create(job).Error; err != nil {
			return fmt.Errorf("failed to create retry job: %w", err)
		}
		retried = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return retried, nil
}
