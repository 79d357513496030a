// Package jobs runs the process's periodic work: the dispatch cycle, metric pushes,
// client pings and delivery backlog checks.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gpubridge/pkg/logger"

	"github.com/google/uuid"
)

// Job is a periodic background task.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// AlignedJob starts on a multiple of its interval, so pushes from every replica
// land on the same wall-clock boundaries.
type AlignedJob interface {
	Job
	AlignToInterval() bool
}

// BoundedJob caps how long a single run may take. A run that calls slow workers
// is cancelled instead of delaying every later tick.
type BoundedJob interface {
	Job
	RunTimeout() time.Duration
}

// Manager owns the goroutines of registered jobs.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	names   map[string]struct{}
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a manager whose jobs stop when parent is cancelled.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		names:  make(map[string]struct{}),
	}
}

// Register adds a job. Nil jobs and duplicate names are ignored.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.names[job.Name()]; dup {
		logger.WarnCtx(m.ctx, "background job %s already registered, ignoring duplicate", job.Name())
		return
	}
	m.names[job.Name()] = struct{}{}
	m.jobs = append(m.jobs, job)
}

// Names returns the registered job names in registration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.jobs))
	for _, job := range m.jobs {
		names = append(names, job.Name())
	}
	return names
}

// Start launches every registered job once; later calls do nothing.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()

	for _, job := range jobs {
		m.wg.Add(1)
		go m.loop(job)
	}
	logger.InfoCtx(m.ctx, "started %d background jobs", len(jobs))
}

// Stop cancels every job; runs in progress see their context cancelled.
func (m *Manager) Stop() {
	m.cancel()
}

// Wait blocks until every job goroutine has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) loop(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	if aligned, ok := job.(AlignedJob); ok && aligned.AlignToInterval() {
		now := time.Now()
		next := now.Truncate(interval).Add(interval)
		logger.DebugCtx(m.ctx, "job %s first run at %s", job.Name(), next.Format("15:04:05"))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	m.runOnce(job, interval)

	// Ticks missed while a run overran are dropped, so cycles never overlap.
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(job, interval)
		}
	}
}

// runOnce performs one cycle under its own trace id. Errors and panics are logged
// and the job stays scheduled.
func (m *Manager) runOnce(job Job, interval time.Duration) {
	ctx := logger.WithTraceID(m.ctx, fmt.Sprintf("%s-%s", job.Name(), uuid.New().String()[:8]))
	if bounded, ok := job.(BoundedJob); ok && bounded.RunTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bounded.RunTimeout())
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "background job %s panicked: %v", job.Name(), r)
		}
		if took := time.Since(start); took > interval {
			logger.WarnCtx(ctx, "background job %s took %v, longer than its %v interval", job.Name(), took, interval)
		}
	}()

	if err := job.Run(ctx); err != nil {
		logger.WarnCtx(ctx, "background job %s failed: %v", job.Name(), err)
	}
}
