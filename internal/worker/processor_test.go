package worker

import (
	"context"
	"testing"

	"gpubridge/pkg/store/mysql"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T) (*sessionProcessor, *memExecutions, <-chan Event) {
	t.Helper()
	executions := newMemExecutions()
	m := NewManager(newMemInstances(), executions, fastReconnect())
	events, unsubscribe := m.Subscribe()
	t.Cleanup(unsubscribe)
	return newSessionProcessor(m, 1), executions, events
}

func TestProcessor_ProgressFallsBackToCurrentPrompt(t *testing.T) {
	p, executions, events := newTestProcessor(t)
	ctx := context.Background()
	_, err := executions.Create(ctx, 1, 11, "p-7")
	require.NoError(t, err)

	p.handle(ctx, []byte(`{"type":"execution_start","data":{"prompt_id":"p-7"}}`))
	p.handle(ctx, []byte(`{"type":"executing","data":{"node":"12","prompt_id":"p-7"}}`))
	p.handle(ctx, []byte(`{"type":"progress","data":{"value":3,"max":4}}`))

	e := <-events
	assert.Equal(t, GenerationProgress, e.Kind)
	assert.Equal(t, int64(11), e.JobID, "job resolved through the execution store")
	assert.Equal(t, "p-7", e.PromptID)
	assert.Equal(t, int16(75), e.Percent)
	require.NotNil(t, e.CurrentNode)
	assert.Equal(t, "12", *e.CurrentNode)
}

func TestProcessor_IgnoresMalformedAndUnknownFrames(t *testing.T) {
	p, _, events := newTestProcessor(t)
	ctx := context.Background()

	p.handle(ctx, []byte(`not json`))
	p.handle(ctx, []byte(`{"type":"crystools.monitor","data":{}}`))
	p.handle(ctx, []byte(`{"type":"progress","data":{"value":1,"max":2}}`))

	assert.Len(t, events, 0)
}

func TestProcessor_CompletionWithoutOutputs(t *testing.T) {
	p, executions, events := newTestProcessor(t)
	ctx := context.Background()
	_, err := executions.Create(ctx, 1, 3, "p-2")
	require.NoError(t, err)

	p.handle(ctx, []byte(`{"type":"executing","data":{"node":null,"prompt_id":"p-2"}}`))

	e := <-events
	assert.Equal(t, GenerationCompleted, e.Kind)
	assert.Nil(t, e.Outputs)
	assert.Equal(t, mysql.RemoteStatusCompleted, executions.get("p-2").Status)
	assert.Empty(t, p.currentPrompt)
}

func TestProcessor_UnknownPromptPublishesNothing(t *testing.T) {
	p, _, events := newTestProcessor(t)
	p.handle(context.Background(), []byte(`{"type":"execution_error","data":{"prompt_id":"ghost","exception_message":"boom"}}`))
	assert.Len(t, events, 0)
}

func TestProcessor_ErrorThenClosingFrameIsNotACompletion(t *testing.T) {
	p, executions, events := newTestProcessor(t)
	ctx := context.Background()
	_, err := executions.Create(ctx, 1, 5, "p-5")
	require.NoError(t, err)

	p.handle(ctx, []byte(`{"type":"execution_start","data":{"prompt_id":"p-5"}}`))
	p.handle(ctx, []byte(`{"type":"execution_error","data":{"prompt_id":"p-5","exception_message":"boom"}}`))
	p.handle(ctx, []byte(`{"type":"executing","data":{"node":null,"prompt_id":"p-5"}}`))

	require.Len(t, events, 1)
	e := <-events
	assert.Equal(t, GenerationError, e.Kind)
	assert.Equal(t, int64(5), e.JobID)
	assert.Equal(t, mysql.RemoteStatusFailed, executions.get("p-5").Status)
	assert.Empty(t, p.failed)
}

func TestProcessor_InterruptedThenClosingFrameIsNotACompletion(t *testing.T) {
	p, executions, events := newTestProcessor(t)
	ctx := context.Background()
	_, err := executions.Create(ctx, 1, 6, "p-6")
	require.NoError(t, err)
	p.handle(ctx, []byte(`{"type":"execution_start","data":{"prompt_id":"p-6"}}`))

	// The cancel path marks the prompt before interrupting, and the closing frame can
	// beat the cancelled row.
	p.m.setInterrupted("p-6", true)
	p.handle(ctx, []byte(`{"type":"executing","data":{"node":null,"prompt_id":"p-6"}}`))

	assert.Len(t, events, 0)
	assert.Equal(t, mysql.RemoteStatusRunning, executions.get("p-6").Status)
	assert.False(t, p.m.takeInterrupted("p-6"), "mark is consumed by the closing frame")
}

func TestProcessor_AlreadyCancelledRowStaysCancelled(t *testing.T) {
	p, executions, events := newTestProcessor(t)
	ctx := context.Background()
	_, err := executions.Create(ctx, 1, 7, "p-8")
	require.NoError(t, err)
	p.handle(ctx, []byte(`{"type":"execution_start","data":{"prompt_id":"p-8"}}`))
	changed, err := executions.MarkCancelled(ctx, "p-8")
	require.NoError(t, err)
	require.True(t, changed)

	p.handle(ctx, []byte(`{"type":"execution_start","data":{"prompt_id":"p-8"}}`))
	p.handle(ctx, []byte(`{"type":"executing","data":{"node":null,"prompt_id":"p-8"}}`))

	assert.Len(t, events, 0)
	assert.Equal(t, mysql.RemoteStatusCancelled, executions.get("p-8").Status)
}
