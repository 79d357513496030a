// Package progress turns worker execution events into job state and live notifications.
package progress

import (
	"context"
	"encoding/json"

	"gpubridge/internal/events"
	"gpubridge/internal/notify"
	"gpubridge/internal/worker"
	"gpubridge/pkg/logger"
	"gpubridge/pkg/store/mysql"
)

// JobStore is the job persistence the translator drives.
type JobStore interface {
	Get(ctx context.Context, id int64) (*mysql.Job, error)
	UpdateProgress(ctx context.Context, id int64, percent int16, message string) error
	Complete(ctx context.Context, id int64, outputs mysql.JSONMap) error
	Fail(ctx context.Context, id int64, message string, details mysql.JSONMap) error
	Cancel(ctx context.Context, id int64) (bool, error)
}

// Broadcaster pushes a JSON envelope to every live client.
type Broadcaster interface {
	BroadcastJSON(v interface{}) error
}

// Publisher accepts platform events.
type Publisher interface {
	Publish(e *events.Event)
}

// Translator consumes worker events in arrival order. Store failures are logged
// and never suppress the client notification.
type Translator struct {
	jobs     JobStore
	notifier Broadcaster
	bus      Publisher
}

// NewTranslator creates a translator. bus may be nil.
func NewTranslator(jobs JobStore, notifier Broadcaster, bus Publisher) *Translator {
	return &Translator{jobs: jobs, notifier: notifier, bus: bus}
}

// Run handles events until ch is closed or ctx is cancelled.
func (t *Translator) Run(ctx context.Context, ch <-chan worker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			t.Handle(ctx, e)
		}
	}
}

// Handle applies one event.
func (t *Translator) Handle(ctx context.Context, e worker.Event) {
	switch e.Kind {
	case worker.GenerationProgress:
		t.onProgress(ctx, e)
	case worker.GenerationCompleted:
		t.onCompleted(ctx, e)
	case worker.GenerationError:
		t.onFailed(ctx, e)
	case worker.GenerationCancelled:
		t.onCancelled(ctx, e)
	case worker.InstanceConnected, worker.InstanceDisconnected:
		logger.DebugCtx(ctx, "instance %d: %s", e.InstanceID, e.Kind)
	}
}

func (t *Translator) onProgress(ctx context.Context, e worker.Event) {
	stage := ""
	if e.CurrentNode != nil {
		stage = *e.CurrentNode
	}
	if err := t.jobs.UpdateProgress(ctx, e.JobID, e.Percent, stage); err != nil {
		logger.ErrorCtx(ctx, "failed to update progress of job %d: %v", e.JobID, err)
	}
	t.broadcast(ctx, &notify.JobProgress{
		Type:        notify.TypeJobProgress,
		JobID:       e.JobID,
		Percent:     e.Percent,
		CurrentNode: e.CurrentNode,
	})
}

func (t *Translator) onCompleted(ctx context.Context, e worker.Event) {
	outputs := decodeOutputs(ctx, e.Outputs)
	if err := t.jobs.Complete(ctx, e.JobID, outputs); err != nil {
		logger.ErrorCtx(ctx, "failed to mark job %d completed: %v", e.JobID, err)
	}
	t.broadcast(ctx, &notify.JobOutcome{Type: notify.TypeJobCompleted, JobID: e.JobID})
	t.publish(ctx, events.TypeJobCompleted, e, map[string]interface{}{
		"job_id":      e.JobID,
		"instance_id": e.InstanceID,
	})
}

func (t *Translator) onFailed(ctx context.Context, e worker.Event) {
	details := mysql.JSONMap{"instance_id": e.InstanceID, "prompt_id": e.PromptID}
	if err := t.jobs.Fail(ctx, e.JobID, e.Error, details); err != nil {
		logger.ErrorCtx(ctx, "failed to mark job %d failed: %v", e.JobID, err)
	}
	t.broadcast(ctx, &notify.JobOutcome{Type: notify.TypeJobFailed, JobID: e.JobID, Error: e.Error})
	t.publish(ctx, events.TypeJobFailed, e, map[string]interface{}{
		"job_id":      e.JobID,
		"instance_id": e.InstanceID,
		"error":       e.Error,
	})
}

func (t *Translator) onCancelled(ctx context.Context, e worker.Event) {
	changed, err := t.jobs.Cancel(ctx, e.JobID)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to mark job %d cancelled: %v", e.JobID, err)
	} else if !changed {
		logger.DebugCtx(ctx, "job %d was already terminal when cancellation arrived", e.JobID)
	}
	t.broadcast(ctx, &notify.JobOutcome{Type: notify.TypeJobCancelled, JobID: e.JobID})
	t.publish(ctx, events.TypeJobCancelled, e, map[string]interface{}{"job_id": e.JobID})
}

func (t *Translator) broadcast(ctx context.Context, v interface{}) {
	if err := t.notifier.BroadcastJSON(v); err != nil {
		logger.ErrorCtx(ctx, "failed to broadcast notification: %v", err)
	}
}

// publish puts a job outcome on the bus with the submitter as actor when it is known.
func (t *Translator) publish(ctx context.Context, eventType string, e worker.Event, payload map[string]interface{}) {
	if t.bus == nil {
		return
	}
	ev := events.New(eventType).WithSource("job", e.JobID).WithPayload(payload)
	job, err := t.jobs.Get(ctx, e.JobID)
	if err != nil {
		logger.WarnCtx(ctx, "failed to load job %d for event actor: %v", e.JobID, err)
	} else if job != nil && job.SubmittedBy != nil {
		ev.WithActor(*job.SubmittedBy)
	}
	t.bus.Publish(ev)
}

func decodeOutputs(ctx context.Context, raw json.RawMessage) mysql.JSONMap {
	if len(raw) == 0 {
		return nil
	}
	var outputs mysql.JSONMap
	if err := json.Unmarshal(raw, &outputs); err != nil {
		logger.WarnCtx(ctx, "failed to decode job outputs: %v", err)
		return nil
	}
	return outputs
}
