// Package dispatch matches pending jobs to idle, connected workers.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"gpubridge/internal/events"
	"gpubridge/internal/notify"
	"gpubridge/pkg/logger"
	"gpubridge/pkg/store/mysql"
)

// Store is the job persistence used by a dispatch cycle. ClaimNext must be atomic
// across processes.
type Store interface {
	BusyWorkerIDs(ctx context.Context, workerIDs []int64) ([]int64, error)
	ClaimNext(ctx context.Context, workerID int64) (*mysql.Job, error)
	MarkStarted(ctx context.Context, id int64) error
	ReleaseClaim(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, message string, details mysql.JSONMap) error
}

// Registry reports connected workers and submits work to one of them.
type Registry interface {
	ConnectedInstanceIDs() []int64
	SubmitJob(ctx context.Context, instanceID int64, job *mysql.Job) (string, error)
}

// Broadcaster pushes a JSON envelope to every live client.
type Broadcaster interface {
	BroadcastJSON(v interface{}) error
}

// Publisher accepts platform events.
type Publisher interface {
	Publish(e *events.Event)
}

// Dispatcher is a periodic job that hands one pending job to each idle worker per tick.
type Dispatcher struct {
	store    Store
	registry Registry
	notifier Broadcaster
	bus      Publisher
	interval time.Duration
}

// New creates a dispatcher. notifier and bus may be nil.
func New(store Store, registry Registry, notifier Broadcaster, bus Publisher, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		notifier: notifier,
		bus:      bus,
		interval: interval,
	}
}

func (d *Dispatcher) Name() string {
	return "job_dispatcher"
}

func (d *Dispatcher) Interval() time.Duration {
	return d.interval
}

// Run performs one dispatch cycle. A returned error ends the cycle early; the next tick retries.
func (d *Dispatcher) Run(ctx context.Context) error {
	connected := d.registry.ConnectedInstanceIDs()
	if len(connected) == 0 {
		return nil
	}

	busy, err := d.store.BusyWorkerIDs(ctx, connected)
	if err != nil {
		return fmt.Errorf("failed to determine busy workers: %w", err)
	}

	for _, workerID := range available(connected, busy) {
		if ctx.Err() != nil {
			return nil
		}

		job, err := d.store.ClaimNext(ctx, workerID)
		if err != nil {
			logger.ErrorCtx(ctx, "failed to claim job for worker %d: %v", workerID, err)
			continue
		}
		if job == nil {
			// Queue drained; the remaining workers have nothing to claim either.
			return nil
		}

		d.dispatch(ctx, workerID, job)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, workerID int64, job *mysql.Job) {
	if err := d.store.MarkStarted(ctx, job.ID); err != nil {
		logger.ErrorCtx(ctx, "failed to mark job %d started on worker %d: %v", job.ID, workerID, err)
		// An unstarted claim keeps the worker busy and hides the job from ClaimNext.
		if err := d.store.ReleaseClaim(context.WithoutCancel(ctx), job.ID); err != nil {
			logger.ErrorCtx(ctx, "failed to release claim on job %d: %v", job.ID, err)
		}
		return
	}

	promptID, err := d.registry.SubmitJob(ctx, workerID, job)
	if err != nil {
		d.failSubmission(ctx, workerID, job, err)
		return
	}
	logger.InfoCtx(ctx, "dispatched job %d to worker %d, prompt_id: %s", job.ID, workerID, promptID)
}

func (d *Dispatcher) failSubmission(ctx context.Context, workerID int64, job *mysql.Job, cause error) {
	msg := fmt.Sprintf("Submission to worker failed: %v", cause)
	logger.WarnCtx(ctx, "job %d: %s", job.ID, msg)

	if err := d.store.Fail(ctx, job.ID, msg, mysql.JSONMap{"instance_id": workerID}); err != nil {
		logger.ErrorCtx(ctx, "failed to mark job %d failed: %v", job.ID, err)
	}

	if d.notifier != nil {
		if err := d.notifier.BroadcastJSON(&notify.JobOutcome{Type: notify.TypeJobFailed, JobID: job.ID, Error: msg}); err != nil {
			logger.ErrorCtx(ctx, "failed to broadcast job_failed for job %d: %v", job.ID, err)
		}
	}
	if d.bus != nil {
		e := events.New(events.TypeJobFailed).
			WithSource("job", job.ID).
			WithPayload(map[string]interface{}{"job_id": job.ID, "instance_id": workerID, "error": msg})
		if job.SubmittedBy != nil {
			e.WithActor(*job.SubmittedBy)
		}
		d.bus.Publish(e)
	}
}

// available returns connected ids that are not busy, preserving order.
func available(connected, busy []int64) []int64 {
	taken := make(map[int64]struct{}, len(busy))
	for _, id := range busy {
		taken[id] = struct{}{}
	}
	out := make([]int64, 0, len(connected))
	for _, id := range connected {
		if _, ok := taken[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
