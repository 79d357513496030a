package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"gpubridge/pkg/remote"
	"gpubridge/pkg/store/mysql"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, fw *fakeWorker) (*Manager, *memInstances, *memExecutions, <-chan Event) {
	t.Helper()
	instances := newMemInstances(fw.instance(1))
	executions := newMemExecutions()
	m := NewManager(instances, executions, fastReconnect())
	events, unsubscribe := m.Subscribe()
	t.Cleanup(unsubscribe)
	t.Cleanup(m.Shutdown)
	return m, instances, executions, events
}

func testJob(id int64) *mysql.Job {
	return &mysql.Job{
		ID:         id,
		JobType:    "txt2img",
		Parameters: mysql.JSONMap{"workflow": map[string]interface{}{"3": map[string]interface{}{"class_type": "KSampler"}}},
	}
}

func TestManager_SubmitJobStreamsToCompletion(t *testing.T) {
	fw := newFakeWorker(t)
	m, instances, executions, events := newTestManager(t, fw)

	require.NoError(t, m.Start(context.Background()))
	ws := fw.nextSession(t)
	waitEvent(t, events, InstanceConnected)
	assert.Equal(t, []int64{1}, m.ConnectedInstanceIDs())
	connected, _ := instances.counts(1)
	assert.Equal(t, 1, connected)

	promptID, err := m.SubmitJob(context.Background(), 1, testJob(7))
	require.NoError(t, err)
	assert.Equal(t, "p-1", promptID)
	assert.Contains(t, fw.requestedPaths(), "/prompt")

	send(t, ws, `{"type":"execution_start","data":{"prompt_id":"p-1"}}`)
	send(t, ws, `{"type":"executing","data":{"node":"3","prompt_id":"p-1"}}`)
	send(t, ws, `{"type":"progress","data":{"value":5,"max":10,"prompt_id":"p-1","node":"3"}}`)

	progress := waitEvent(t, events, GenerationProgress)
	assert.Equal(t, int64(7), progress.JobID)
	assert.Equal(t, int16(50), progress.Percent)
	require.NotNil(t, progress.CurrentNode)
	assert.Equal(t, "3", *progress.CurrentNode)

	send(t, ws, `{"type":"executed","data":{"node":"9","output":{"images":[{"filename":"a.png"}]},"prompt_id":"p-1"}}`)
	send(t, ws, `{"type":"executing","data":{"node":null,"prompt_id":"p-1"}}`)

	done := waitEvent(t, events, GenerationCompleted)
	assert.Equal(t, int64(7), done.JobID)
	assert.Equal(t, int64(1), done.InstanceID)
	assert.JSONEq(t, `{"9":{"images":[{"filename":"a.png"}]}}`, string(done.Outputs))

	exec := executions.get("p-1")
	assert.Equal(t, mysql.RemoteStatusCompleted, exec.Status)
	assert.Equal(t, int16(50), exec.ProgressPercent)
	assert.Equal(t, "3", exec.CurrentNode)
}

func TestManager_ExecutionErrorPublishesGenerationError(t *testing.T) {
	fw := newFakeWorker(t)
	m, _, executions, events := newTestManager(t, fw)

	require.NoError(t, m.Start(context.Background()))
	ws := fw.nextSession(t)
	waitEvent(t, events, InstanceConnected)

	_, err := m.SubmitJob(context.Background(), 1, testJob(8))
	require.NoError(t, err)

	send(t, ws, `{"type":"execution_start","data":{"prompt_id":"p-1"}}`)
	send(t, ws, `{"type":"execution_error","data":{"prompt_id":"p-1","node_id":"4","exception_type":"RuntimeError","exception_message":"CUDA out of memory"}}`)

	e := waitEvent(t, events, GenerationError)
	assert.Equal(t, int64(8), e.JobID)
	assert.Equal(t, "CUDA out of memory", e.Error)
	assert.Equal(t, mysql.RemoteStatusFailed, executions.get("p-1").Status)
}

func TestManager_CancelJobInterruptsRunningPrompt(t *testing.T) {
	fw := newFakeWorker(t)
	m, _, executions, events := newTestManager(t, fw)

	require.NoError(t, m.Start(context.Background()))
	ws := fw.nextSession(t)
	waitEvent(t, events, InstanceConnected)

	_, err := m.SubmitJob(context.Background(), 1, testJob(9))
	require.NoError(t, err)
	send(t, ws, `{"type":"execution_start","data":{"prompt_id":"p-1"}}`)
	require.Eventually(t, func() bool {
		return executions.get("p-1").Status == mysql.RemoteStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.CancelJob(context.Background(), 9))

	e := waitEvent(t, events, GenerationCancelled)
	assert.Equal(t, int64(9), e.JobID)
	assert.Equal(t, mysql.RemoteStatusCancelled, executions.get("p-1").Status)
	assert.Subset(t, fw.requestedPaths(), []string{"/queue", "/interrupt"})

	assert.ErrorIs(t, m.CancelJob(context.Background(), 9), ErrNoActiveExecution)
}

func TestManager_CancelThenClosingFrameKeepsCancellation(t *testing.T) {
	fw := newFakeWorker(t)
	m, _, executions, events := newTestManager(t, fw)

	require.NoError(t, m.Start(context.Background()))
	ws := fw.nextSession(t)
	waitEvent(t, events, InstanceConnected)

	_, err := m.SubmitJob(context.Background(), 1, testJob(10))
	require.NoError(t, err)
	send(t, ws, `{"type":"execution_start","data":{"prompt_id":"p-1"}}`)
	require.Eventually(t, func() bool {
		return executions.get("p-1").Status == mysql.RemoteStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.CancelJob(context.Background(), 10))
	waitEvent(t, events, GenerationCancelled)

	send(t, ws, `{"type":"executing","data":{"node":null,"prompt_id":"p-1"}}`)
	send(t, ws, `{"type":"status","data":{"status":{"exec_info":{"queue_remaining":0}}}}`)
	time.Sleep(100 * time.Millisecond)

	for len(events) > 0 {
		e := <-events
		assert.NotEqual(t, GenerationCompleted, e.Kind)
	}
	assert.Equal(t, mysql.RemoteStatusCancelled, executions.get("p-1").Status)
}

func TestManager_FramesBeforeSubmitReturnsAreMatched(t *testing.T) {
	fw := newFakeWorker(t)
	m, _, executions, events := newTestManager(t, fw)

	require.NoError(t, m.Start(context.Background()))
	ws := fw.nextSession(t)
	waitEvent(t, events, InstanceConnected)

	fw.mu.Lock()
	fw.onPrompt = func() {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"execution_start","data":{"prompt_id":"p-1"}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"executing","data":{"node":null,"prompt_id":"p-1"}}`))
		time.Sleep(100 * time.Millisecond)
	}
	fw.mu.Unlock()

	_, err := m.SubmitJob(context.Background(), 1, testJob(12))
	require.NoError(t, err)

	done := waitEvent(t, events, GenerationCompleted)
	assert.Equal(t, int64(12), done.JobID)
	assert.Equal(t, mysql.RemoteStatusCompleted, executions.get("p-1").Status)
}

func TestManager_ReconnectsAfterSessionDrop(t *testing.T) {
	fw := newFakeWorker(t)
	m, instances, _, events := newTestManager(t, fw)

	require.NoError(t, m.Start(context.Background()))
	first := fw.nextSession(t)
	waitEvent(t, events, InstanceConnected)

	require.NoError(t, first.Close())
	waitEvent(t, events, InstanceDisconnected)

	fw.nextSession(t)
	waitEvent(t, events, InstanceConnected)

	connected, disconnected := instances.counts(1)
	assert.Equal(t, 2, connected)
	assert.Equal(t, 1, disconnected)
	assert.True(t, m.IsConnected(1))
}

func TestManager_ShutdownStopsReconnecting(t *testing.T) {
	instances := newMemInstances(&mysql.WorkerInstance{ID: 5, Name: "down", Enabled: true})
	m := NewManager(instances, newMemExecutions(), fastReconnect())

	attempts := make(chan struct{}, 100)
	m.SetDialer(func(ctx context.Context, inst *mysql.WorkerInstance) (*remote.Conn, error) {
		attempts <- struct{}{}
		return nil, errors.New("connection refused")
	})

	require.NoError(t, m.Start(context.Background()))
	<-attempts
	<-attempts

	start := time.Now()
	m.Shutdown()
	assert.Less(t, time.Since(start), taskStopTimeout)
	assert.Empty(t, m.ConnectedInstanceIDs())
}

func TestManager_RequiresConnection(t *testing.T) {
	m := NewManager(newMemInstances(), newMemExecutions(), fastReconnect())

	_, err := m.SubmitJob(context.Background(), 42, testJob(1))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = m.SystemStats(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, m.Interrupt(context.Background(), 42), ErrNotConnected)
}

func TestManager_SystemStats(t *testing.T) {
	fw := newFakeWorker(t)
	m, _, _, events := newTestManager(t, fw)

	require.NoError(t, m.Start(context.Background()))
	fw.nextSession(t)
	waitEvent(t, events, InstanceConnected)

	stats, err := m.SystemStats(context.Background(), 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"devices":[{"name":"cuda:0"}]}`, string(stats))
}

func TestWorkflowOf(t *testing.T) {
	_, err := workflowOf(&mysql.Job{ID: 1, Parameters: mysql.JSONMap{}})
	assert.Error(t, err)

	wf, err := workflowOf(testJob(2))
	require.NoError(t, err)
	assert.JSONEq(t, `{"3":{"class_type":"KSampler"}}`, string(wf))
}
