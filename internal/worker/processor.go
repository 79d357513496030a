package worker

import (
	"context"
	"encoding/json"
	"errors"

	"gpubridge/pkg/logger"
	"gpubridge/pkg/remote"
)

// sessionProcessor turns the frames of one session into store updates and events.
// It is driven by a single goroutine, so frames are handled in arrival order.
type sessionProcessor struct {
	m          *Manager
	instanceID int64

	currentPrompt string
	currentNode   *string
	outputs       map[string]map[string]json.RawMessage
	// failed holds prompts that reported execution_error; the worker still closes them
	// with a null-node executing frame.
	failed map[string]struct{}
}

func newSessionProcessor(m *Manager, instanceID int64) *sessionProcessor {
	return &sessionProcessor{
		m:          m,
		instanceID: instanceID,
		outputs:    make(map[string]map[string]json.RawMessage),
		failed:     make(map[string]struct{}),
	}
}

// handle processes one text frame. Malformed or unknown frames are logged and skipped.
func (p *sessionProcessor) handle(ctx context.Context, frame []byte) {
	msg, err := remote.ParseMessage(frame)
	if err != nil {
		if errors.Is(err, remote.ErrUnknownMessage) {
			logger.DebugCtx(ctx, "instance %d: ignoring frame: %v", p.instanceID, err)
		} else {
			logger.WarnCtx(ctx, "instance %d: failed to parse frame: %v, raw: %s", p.instanceID, err, string(frame))
		}
		return
	}

	if id := promptOf(msg); id != "" && !p.m.knowsPrompt(id) {
		p.m.awaitSubmission(p.instanceID)
	}

	switch m := msg.(type) {
	case *remote.StatusMessage:
		logger.DebugCtx(ctx, "instance %d: queue remaining %d", p.instanceID, m.Status.ExecInfo.QueueRemaining)
	case *remote.ExecutionStartMessage:
		p.onExecutionStart(ctx, m)
	case *remote.ExecutionCachedMessage:
		logger.DebugCtx(ctx, "instance %d: prompt %s served %d nodes from cache", p.instanceID, m.PromptID, len(m.Nodes))
	case *remote.ExecutingMessage:
		p.onExecuting(ctx, m)
	case *remote.ProgressMessage:
		p.onProgress(ctx, m)
	case *remote.ExecutedMessage:
		p.onExecuted(ctx, m)
	case *remote.ExecutionErrorMessage:
		p.onExecutionError(ctx, m)
	}
}

func (p *sessionProcessor) onExecutionStart(ctx context.Context, m *remote.ExecutionStartMessage) {
	logger.InfoCtx(ctx, "instance %d: execution started, prompt_id: %s", p.instanceID, m.PromptID)
	p.currentPrompt = m.PromptID
	p.currentNode = nil
	if err := p.m.executions.MarkStarted(ctx, m.PromptID); err != nil {
		logger.ErrorCtx(ctx, "failed to mark execution %s started: %v", m.PromptID, err)
	}
}

func (p *sessionProcessor) onExecuting(ctx context.Context, m *remote.ExecutingMessage) {
	if m.Node != nil {
		node := *m.Node
		p.currentPrompt = m.PromptID
		p.currentNode = &node
		if err := p.m.executions.UpdateCurrentNode(ctx, m.PromptID, node); err != nil {
			logger.ErrorCtx(ctx, "failed to update current node of %s: %v", m.PromptID, err)
		}
		return
	}

	outputs := p.takeOutputs(m.PromptID)
	if p.endedEarlier(m.PromptID) {
		logger.DebugCtx(ctx, "instance %d: prompt %s already failed or was interrupted", p.instanceID, m.PromptID)
		p.m.forgetPrompt(m.PromptID)
		p.resetIfCurrent(m.PromptID)
		return
	}

	logger.InfoCtx(ctx, "instance %d: execution completed, prompt_id: %s", p.instanceID, m.PromptID)
	changed, err := p.m.executions.MarkCompleted(ctx, m.PromptID)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to mark execution %s completed: %v", m.PromptID, err)
	}
	if !p.announce(ctx, m.PromptID, changed, err) {
		logger.InfoCtx(ctx, "instance %d: prompt %s was already finalized, skipping completion", p.instanceID, m.PromptID)
		p.m.forgetPrompt(m.PromptID)
		p.resetIfCurrent(m.PromptID)
		return
	}
	if jobID, ok := p.m.jobForPrompt(ctx, m.PromptID); ok {
		p.m.hub.publish(Event{
			Kind:       GenerationCompleted,
			InstanceID: p.instanceID,
			JobID:      jobID,
			PromptID:   m.PromptID,
			Outputs:    outputs,
		})
	}
	p.m.forgetPrompt(m.PromptID)
	p.resetIfCurrent(m.PromptID)
}

func (p *sessionProcessor) onProgress(ctx context.Context, m *remote.ProgressMessage) {
	promptID := m.PromptID
	if promptID == "" {
		promptID = p.currentPrompt
	}
	if promptID == "" {
		logger.DebugCtx(ctx, "instance %d: progress %d/%d without an active prompt", p.instanceID, m.Value, m.Max)
		return
	}

	percent := m.Percent()
	if err := p.m.executions.UpdateProgress(ctx, promptID, percent); err != nil {
		logger.ErrorCtx(ctx, "failed to update progress of %s: %v", promptID, err)
	}

	node := p.currentNode
	if m.Node != "" {
		n := m.Node
		node = &n
	}
	if jobID, ok := p.m.jobForPrompt(ctx, promptID); ok {
		p.m.hub.publish(Event{
			Kind:        GenerationProgress,
			InstanceID:  p.instanceID,
			JobID:       jobID,
			PromptID:    promptID,
			Percent:     percent,
			CurrentNode: node,
		})
	}
}

func (p *sessionProcessor) onExecuted(ctx context.Context, m *remote.ExecutedMessage) {
	logger.DebugCtx(ctx, "instance %d: node %s produced output for %s", p.instanceID, m.Node, m.PromptID)
	byNode, ok := p.outputs[m.PromptID]
	if !ok {
		byNode = make(map[string]json.RawMessage)
		p.outputs[m.PromptID] = byNode
	}
	byNode[m.Node] = m.Output
}

func (p *sessionProcessor) onExecutionError(ctx context.Context, m *remote.ExecutionErrorMessage) {
	logger.ErrorCtx(ctx, "instance %d: execution error, prompt_id: %s, node: %s, type: %s, message: %s",
		p.instanceID, m.PromptID, m.NodeID, m.ExceptionType, m.ExceptionMessage)

	p.failed[m.PromptID] = struct{}{}
	delete(p.outputs, m.PromptID)

	changed, err := p.m.executions.MarkFailed(ctx, m.PromptID, m.ExceptionMessage)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to mark execution %s failed: %v", m.PromptID, err)
	}
	if !p.announce(ctx, m.PromptID, changed, err) {
		p.m.forgetPrompt(m.PromptID)
		p.resetIfCurrent(m.PromptID)
		return
	}
	if jobID, ok := p.m.jobForPrompt(ctx, m.PromptID); ok {
		p.m.hub.publish(Event{
			Kind:       GenerationError,
			InstanceID: p.instanceID,
			JobID:      jobID,
			PromptID:   m.PromptID,
			Error:      m.ExceptionMessage,
		})
	}
	p.m.forgetPrompt(m.PromptID)
	p.resetIfCurrent(m.PromptID)
}

// endedEarlier reports whether promptID already ended through an error or an interrupt.
func (p *sessionProcessor) endedEarlier(promptID string) bool {
	_, failed := p.failed[promptID]
	delete(p.failed, promptID)
	interrupted := p.m.takeInterrupted(promptID)
	return failed || interrupted
}

// announce decides whether a terminal transition gets an event. A row that was already
// terminal stays silent; a store error or a missing row defers to the in-memory mapping.
func (p *sessionProcessor) announce(ctx context.Context, promptID string, changed bool, err error) bool {
	if err != nil || changed {
		return true
	}
	exec, ferr := p.m.executions.FindByPromptID(ctx, promptID)
	return ferr == nil && exec == nil
}

func promptOf(msg remote.Message) string {
	switch m := msg.(type) {
	case *remote.ExecutionStartMessage:
		return m.PromptID
	case *remote.ExecutingMessage:
		return m.PromptID
	case *remote.ProgressMessage:
		return m.PromptID
	case *remote.ExecutedMessage:
		return m.PromptID
	case *remote.ExecutionErrorMessage:
		return m.PromptID
	}
	return ""
}

func (p *sessionProcessor) takeOutputs(promptID string) json.RawMessage {
	byNode, ok := p.outputs[promptID]
	if !ok {
		return nil
	}
	delete(p.outputs, promptID)
	data, err := json.Marshal(byNode)
	if err != nil {
		return nil
	}
	return data
}

func (p *sessionProcessor) resetIfCurrent(promptID string) {
	if p.currentPrompt == promptID {
		p.currentPrompt = ""
		p.currentNode = nil
	}
}
