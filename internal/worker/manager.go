// Package worker owns the live sessions to GPU workers: one goroutine per enabled
// instance that connects, streams frames, and reconnects with backoff.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gpubridge/pkg/logger"
	"gpubridge/pkg/remote"
	"gpubridge/pkg/store/mysql"

	"golang.org/x/sync/errgroup"
)

const taskStopTimeout = 5 * time.Second

var (
	// ErrNotConnected is returned when an operation targets an instance without a session.
	ErrNotConnected = errors.New("worker instance not connected")
	// ErrNoActiveExecution is returned by CancelJob when the job has nothing running remotely.
	ErrNoActiveExecution = errors.New("job has no active remote execution")
)

// InstanceStore is the persistence the manager needs for worker instances.
type InstanceStore interface {
	ListEnabled(ctx context.Context) ([]*mysql.WorkerInstance, error)
	Get(ctx context.Context, id int64) (*mysql.WorkerInstance, error)
	RecordConnection(ctx context.Context, id int64) error
	RecordDisconnection(ctx context.Context, id int64) error
}

// ExecutionStore is the persistence the manager needs for remote executions.
type ExecutionStore interface {
	Create(ctx context.Context, instanceID, jobID int64, promptID string) (*mysql.RemoteExecution, error)
	FindByPromptID(ctx context.Context, promptID string) (*mysql.RemoteExecution, error)
	FindActiveByJobID(ctx context.Context, jobID int64) (*mysql.RemoteExecution, error)
	MarkStarted(ctx context.Context, promptID string) error
	UpdateProgress(ctx context.Context, promptID string, percent int16) error
	UpdateCurrentNode(ctx context.Context, promptID, node string) error
	// Terminal transitions report false when the execution had already finished.
	MarkCompleted(ctx context.Context, promptID string) (bool, error)
	MarkFailed(ctx context.Context, promptID, message string) (bool, error)
	MarkCancelled(ctx context.Context, promptID string) (bool, error)
}

// DialFunc opens a session to an instance.
type DialFunc func(ctx context.Context, inst *mysql.WorkerInstance) (*remote.Conn, error)

func defaultDial(ctx context.Context, inst *mysql.WorkerInstance) (*remote.Conn, error) {
	return remote.Connect(ctx, inst.ID, inst.WSURL, inst.APIURL)
}

type instanceTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the connection registry consumed by the dispatcher and the HTTP API.
type Manager struct {
	instances  InstanceStore
	executions ExecutionStore
	reconnect  remote.ReconnectConfig
	dial       DialFunc
	hub        *eventHub

	mu      sync.RWMutex
	conns   map[int64]*remote.Conn
	tasks   map[int64]*instanceTask
	prompts map[string]int64 // prompt id -> job id for prompts submitted by this process
	// interrupted holds running prompts this process cancelled; their closing frame is not a completion.
	interrupted map[string]struct{}
	gates       map[int64]*sync.Mutex // per instance, held while a submission is in flight
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager creates a manager. Call Start to connect to enabled instances.
func NewManager(instances InstanceStore, executions ExecutionStore, reconnect remote.ReconnectConfig) *Manager {
	return &Manager{
		instances:  instances,
		executions: executions,
		reconnect:  reconnect,
		dial:       defaultDial,
		hub:        newEventHub(),
		conns:      make(map[int64]*remote.Conn),
		tasks:      make(map[int64]*instanceTask),
		prompts:    make(map[string]int64),

		interrupted: make(map[string]struct{}),
		gates:       make(map[int64]*sync.Mutex),
	}
}

// SetDialer overrides how sessions are opened.
func (m *Manager) SetDialer(dial DialFunc) {
	m.dial = dial
}

// Subscribe returns a stream of worker events and a function to stop receiving.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.hub.subscribe()
}

// Start launches a connection task for every enabled instance.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	instances, err := m.instances.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load worker instances: %w", err)
	}
	for _, inst := range instances {
		m.StartInstance(inst)
	}
	logger.InfoCtx(ctx, "worker manager started with %d instances", len(instances))
	return nil
}

// StartInstance launches the connection task for inst unless one is already running.
func (m *Manager) StartInstance(inst *mysql.WorkerInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	if _, running := m.tasks[inst.ID]; running {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	task := &instanceTask{cancel: cancel, done: make(chan struct{})}
	m.tasks[inst.ID] = task

	go m.runInstance(ctx, inst, task.done)
}

// StopInstance cancels an instance's task and waits up to 5s for it to exit.
func (m *Manager) StopInstance(id int64) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	task.cancel()
	select {
	case <-task.done:
	case <-time.After(taskStopTimeout):
		logger.Warnf("worker instance %d did not stop within %v", id, taskStopTimeout)
	}
}

// Restart drops the instance's session and starts a fresh connection task.
func (m *Manager) Restart(ctx context.Context, id int64) error {
	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return fmt.Errorf("worker instance %d not found", id)
	}
	m.StopInstance(id)
	if !inst.Enabled {
		return fmt.Errorf("worker instance %d is disabled", id)
	}
	m.StartInstance(inst)
	return nil
}

// ConnectedInstanceIDs returns the ids of instances with a live session, ascending.
func (m *Manager) ConnectedInstanceIDs() []int64 {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsConnected reports whether id has a live session.
func (m *Manager) IsConnected(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[id]
	return ok
}

func (m *Manager) conn(id int64) (*remote.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotConnected, id)
	}
	return c, nil
}

// SubmitJob sends job's workflow to the instance and records the prompt mapping.
func (m *Manager) SubmitJob(ctx context.Context, instanceID int64, job *mysql.Job) (string, error) {
	conn, err := m.conn(instanceID)
	if err != nil {
		return "", err
	}

	workflow, err := workflowOf(job)
	if err != nil {
		return "", err
	}

	// Frames for the new prompt can arrive before the mapping below exists; the
	// session waits on this gate before treating a prompt as unknown.
	gate := m.gate(instanceID)
	gate.Lock()
	defer gate.Unlock()

	resp, err := conn.API().SubmitPrompt(ctx, workflow, conn.ClientID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.prompts[resp.PromptID] = job.ID
	m.mu.Unlock()

	if _, err := m.executions.Create(ctx, instanceID, job.ID, resp.PromptID); err != nil {
		logger.ErrorCtx(ctx, "failed to record execution for job %d prompt %s: %v", job.ID, resp.PromptID, err)
	}

	logger.InfoCtx(ctx, "job %d submitted to instance %d, prompt_id: %s, queue position: %d",
		job.ID, instanceID, resp.PromptID, resp.Number)
	return resp.PromptID, nil
}

// CancelJob removes the job's prompt from the worker queue and interrupts it if running.
func (m *Manager) CancelJob(ctx context.Context, jobID int64) error {
	exec, err := m.executions.FindActiveByJobID(ctx, jobID)
	if err != nil {
		return err
	}
	if exec == nil {
		return ErrNoActiveExecution
	}

	conn, err := m.conn(exec.InstanceID)
	if err != nil {
		return err
	}
	api := conn.API()
	if err := api.CancelPrompt(ctx, exec.PromptID); err != nil {
		return fmt.Errorf("failed to cancel prompt %s: %w", exec.PromptID, err)
	}
	if exec.Status == mysql.RemoteStatusRunning {
		m.setInterrupted(exec.PromptID, true)
		if err := api.Interrupt(ctx); err != nil {
			m.setInterrupted(exec.PromptID, false)
			return fmt.Errorf("failed to interrupt instance %d: %w", exec.InstanceID, err)
		}
	}

	changed, err := m.executions.MarkCancelled(ctx, exec.PromptID)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to mark execution %s cancelled: %v", exec.PromptID, err)
	} else if !changed {
		// Finished on the worker before the cancel landed.
		m.setInterrupted(exec.PromptID, false)
		return ErrNoActiveExecution
	}
	m.forgetPrompt(exec.PromptID)

	m.hub.publish(Event{
		Kind:       GenerationCancelled,
		InstanceID: exec.InstanceID,
		JobID:      jobID,
		PromptID:   exec.PromptID,
	})
	return nil
}

// Interrupt stops whatever the instance is executing.
func (m *Manager) Interrupt(ctx context.Context, instanceID int64) error {
	conn, err := m.conn(instanceID)
	if err != nil {
		return err
	}
	return conn.API().Interrupt(ctx)
}

// SystemStats fetches the instance's system stats document.
func (m *Manager) SystemStats(ctx context.Context, instanceID int64) (json.RawMessage, error) {
	conn, err := m.conn(instanceID)
	if err != nil {
		return nil, err
	}
	return conn.API().SystemStats(ctx)
}

// Shutdown stops every instance task, waiting up to 5s for each, then closes subscriptions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	tasks := m.tasks
	m.tasks = make(map[int64]*instanceTask)
	m.mu.Unlock()

	var g errgroup.Group
	for id, task := range tasks {
		id, task := id, task
		g.Go(func() error {
			select {
			case <-task.done:
			case <-time.After(taskStopTimeout):
				logger.Warnf("worker instance %d did not stop within %v", id, taskStopTimeout)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.hub.closeAll()
	logger.Infof("worker manager stopped")
}

func (m *Manager) runInstance(ctx context.Context, inst *mysql.WorkerInstance, done chan struct{}) {
	defer close(done)

	for {
		conn := remote.ReconnectLoop(ctx, m.reconnect, func(ctx context.Context) (*remote.Conn, error) {
			return m.dial(ctx, inst)
		})
		if conn == nil {
			return
		}

		m.onConnected(ctx, inst, conn)
		m.serve(ctx, conn)
		m.onDisconnected(inst, conn)

		if ctx.Err() != nil {
			return
		}
	}
}

// serve reads frames until the session fails or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn *remote.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	proc := newSessionProcessor(m, conn.InstanceID)
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				logger.WarnCtx(ctx, "instance %d: session read failed: %v", conn.InstanceID, err)
			}
			return
		}
		proc.handle(ctx, frame)
	}
}

func (m *Manager) onConnected(ctx context.Context, inst *mysql.WorkerInstance, conn *remote.Conn) {
	m.mu.Lock()
	m.conns[inst.ID] = conn
	m.mu.Unlock()

	logger.InfoCtx(ctx, "connected to worker instance %d (%s), client_id: %s", inst.ID, inst.Name, conn.ClientID)
	if err := m.instances.RecordConnection(ctx, inst.ID); err != nil {
		logger.ErrorCtx(ctx, "failed to record connection for instance %d: %v", inst.ID, err)
	}
	m.hub.publish(Event{Kind: InstanceConnected, InstanceID: inst.ID})
}

func (m *Manager) onDisconnected(inst *mysql.WorkerInstance, conn *remote.Conn) {
	m.mu.Lock()
	if m.conns[inst.ID] == conn {
		delete(m.conns, inst.ID)
	}
	m.mu.Unlock()
	_ = conn.Close()

	// The task context may already be cancelled; bookkeeping still has to land.
	ctx, cancel := context.WithTimeout(context.Background(), taskStopTimeout)
	defer cancel()
	logger.InfoCtx(ctx, "disconnected from worker instance %d (%s)", inst.ID, inst.Name)
	if err := m.instances.RecordDisconnection(ctx, inst.ID); err != nil {
		logger.ErrorCtx(ctx, "failed to record disconnection for instance %d: %v", inst.ID, err)
	}
	m.hub.publish(Event{Kind: InstanceDisconnected, InstanceID: inst.ID})
}

func (m *Manager) jobForPrompt(ctx context.Context, promptID string) (int64, bool) {
	m.mu.RLock()
	jobID, ok := m.prompts[promptID]
	m.mu.RUnlock()
	if ok {
		return jobID, true
	}

	exec, err := m.executions.FindByPromptID(ctx, promptID)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to look up execution for prompt %s: %v", promptID, err)
		return 0, false
	}
	if exec == nil {
		logger.DebugCtx(ctx, "no execution recorded for prompt %s", promptID)
		return 0, false
	}
	return exec.JobID, true
}

// knowsPrompt reports whether promptID was submitted by this process and is still mapped.
func (m *Manager) knowsPrompt(promptID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.prompts[promptID]
	return ok
}

func (m *Manager) gate(instanceID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[instanceID]
	if !ok {
		g = &sync.Mutex{}
		m.gates[instanceID] = g
	}
	return g
}

// awaitSubmission blocks until no submission to instanceID is in flight.
func (m *Manager) awaitSubmission(instanceID int64) {
	g := m.gate(instanceID)
	g.Lock()
	g.Unlock()
}

func (m *Manager) setInterrupted(promptID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.interrupted[promptID] = struct{}{}
	} else {
		delete(m.interrupted, promptID)
	}
}

// takeInterrupted reports whether promptID was interrupted by a cancel and clears the mark.
func (m *Manager) takeInterrupted(promptID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.interrupted[promptID]
	delete(m.interrupted, promptID)
	return ok
}

func (m *Manager) forgetPrompt(promptID string) {
	m.mu.Lock()
	delete(m.prompts, promptID)
	m.mu.Unlock()
}

// workflowOf extracts the worker workflow document from a job's parameters.
func workflowOf(job *mysql.Job) (json.RawMessage, error) {
	wf, ok := job.Parameters["workflow"]
	if !ok || wf == nil {
		return nil, fmt.Errorf("job %d has no workflow parameter", job.ID)
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow of job %d: %w", job.ID, err)
	}
	return data, nil
}
