package mysql

import (
	"context"
	"fmt"
)

// Repository aggregates all MySQL repositories
type Repository struct {
	ds *Datastore

	Job             *JobRepository
	RemoteExecution *RemoteExecutionRepository
	WorkerInstance  *WorkerInstanceRepository
	Script          *ScriptRepository
	ScriptExecution *ScriptExecutionRepository
	Event           *EventRepository
}

// NewRepository creates a new MySQL repository with all sub-repositories
func NewRepository(dsn string) (*Repository, error) {
	ds, err := NewDatastore(dsn)
	if err != nil {
		return nil, err
	}

	return &Repository{
		ds:              ds,
		Job:             NewJobRepository(ds),
		RemoteExecution: NewRemoteExecutionRepository(ds),
		WorkerInstance:  NewWorkerInstanceRepository(ds),
		Script:          NewScriptRepository(ds),
		ScriptExecution: NewScriptExecutionRepository(ds),
		Event:           NewEventRepository(ds),
	}, nil
}

// Migrate creates or updates the tables this service owns.
func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.ds.DB(ctx).AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
