package main

import (
	"context"
	"encoding/json"
	"time"

	"gpubridge/internal/dispatch"
	"gpubridge/internal/jobs"
	"gpubridge/internal/notify"
	"gpubridge/pkg/logger"
)

// deliveryBacklogWarn is the queue depth above which the backlog job warns.
const deliveryBacklogWarn = 1000

func (app *Application) initJobs() error {
	manager := jobs.NewManager(app.ctx)

	if app.config.Dispatcher.Disabled {
		logger.WarnCtx(app.ctx, "job dispatcher disabled by configuration")
	} else {
		manager.Register(dispatch.New(
			app.mysqlRepo.Job,
			app.workerMgr,
			app.registry,
			app.bus,
			app.config.Dispatcher.Interval(),
		))
	}

	// Metrics and pings target this process's own client sessions, so every replica runs them.
	manager.Register(newGPUMetricsJob(time.Duration(app.config.Events.MetricsIntervalSec)*time.Second, app.workerMgr, app.registry))
	manager.Register(newNotifyPingJob(time.Duration(app.config.Events.PingIntervalSec)*time.Second, app.registry))
	manager.Register(newDeliveryBacklogJob(time.Minute, app.queueMgr))

	app.jobsManager = manager
	return nil
}

// statsSource reads system stats from connected workers.
type statsSource interface {
	ConnectedInstanceIDs() []int64
	SystemStats(ctx context.Context, instanceID int64) (json.RawMessage, error)
}

// gpuMetricsJob pushes each connected worker's system stats to all clients.
type gpuMetricsJob struct {
	interval time.Duration
	workers  statsSource
	registry *notify.Registry
}

func newGPUMetricsJob(interval time.Duration, workers statsSource, registry *notify.Registry) jobs.Job {
	return &gpuMetricsJob{interval: interval, workers: workers, registry: registry}
}

func (j *gpuMetricsJob) Name() string { return "gpu-metrics" }

func (j *gpuMetricsJob) Interval() time.Duration { return j.interval }

func (j *gpuMetricsJob) AlignToInterval() bool { return true }

// RunTimeout keeps a slow worker from stretching one push past the next.
func (j *gpuMetricsJob) RunTimeout() time.Duration { return j.interval }

func (j *gpuMetricsJob) Run(ctx context.Context) error {
	if j.registry.Count() == 0 {
		return nil
	}
	for _, id := range j.workers.ConnectedInstanceIDs() {
		stats, err := j.workers.SystemStats(ctx, id)
		if err != nil {
			logger.WarnCtx(ctx, "failed to read system stats of instance %d: %v", id, err)
			continue
		}
		msg := notify.GPUMetrics{Type: notify.TypeGPUMetrics, InstanceID: id, Stats: stats}
		if err := j.registry.BroadcastJSON(msg); err != nil {
			logger.WarnCtx(ctx, "failed to push metrics of instance %d: %v", id, err)
		}
	}
	return nil
}

// notifyPingJob probes client sessions so dead sockets are detected and removed.
type notifyPingJob struct {
	interval time.Duration
	registry *notify.Registry
}

func newNotifyPingJob(interval time.Duration, registry *notify.Registry) jobs.Job {
	return &notifyPingJob{interval: interval, registry: registry}
}

func (j *notifyPingJob) Name() string { return "notify-ping" }

func (j *notifyPingJob) Interval() time.Duration { return j.interval }

func (j *notifyPingJob) Run(ctx context.Context) error {
	j.registry.PingAll()
	return nil
}

type backlogSource interface {
	PendingCount() (int, error)
}

// deliveryBacklogJob warns when webhook and email deliveries pile up.
type deliveryBacklogJob struct {
	interval time.Duration
	queue    backlogSource
}

func newDeliveryBacklogJob(interval time.Duration, queue backlogSource) jobs.Job {
	return &deliveryBacklogJob{interval: interval, queue: queue}
}

func (j *deliveryBacklogJob) Name() string { return "delivery-backlog" }

func (j *deliveryBacklogJob) Interval() time.Duration { return j.interval }

func (j *deliveryBacklogJob) Run(ctx context.Context) error {
	pending, err := j.queue.PendingCount()
	if err != nil {
		return err
	}
	if pending > deliveryBacklogWarn {
		logger.WarnCtx(ctx, "delivery backlog is %d tasks", pending)
	} else {
		logger.DebugCtx(ctx, "delivery backlog is %d tasks", pending)
	}
	return nil
}
