package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types sent by the worker over the session.
const (
	TypeStatus          = "status"
	TypeExecutionStart  = "execution_start"
	TypeExecutionCached = "execution_cached"
	TypeExecuting       = "executing"
	TypeProgress        = "progress"
	TypeExecuted        = "executed"
	TypeExecutionError  = "execution_error"
)

// ErrUnknownMessage is returned for frames whose type is not recognised.
var ErrUnknownMessage = errors.New("unknown message type")

// Message is one decoded frame.
type Message interface {
	Type() string
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StatusMessage reports queue depth.
type StatusMessage struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

// ExecutionStartMessage marks a prompt as started.
type ExecutionStartMessage struct {
	PromptID string `json:"prompt_id"`
}

// ExecutionCachedMessage lists nodes served from cache.
type ExecutionCachedMessage struct {
	PromptID string   `json:"prompt_id"`
	Nodes    []string `json:"nodes"`
}

// ExecutingMessage names the node running now; a nil Node means the prompt finished.
type ExecutingMessage struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// ProgressMessage is step progress inside a long-running node.
type ProgressMessage struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id,omitempty"`
	Node     string `json:"node,omitempty"`
}

// Percent converts value/max to 0..100. A non-positive max yields 0.
func (m *ProgressMessage) Percent() int16 {
	if m.Max <= 0 {
		return 0
	}
	p := m.Value * 100 / m.Max
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int16(p)
}

// ExecutedMessage carries a node's output.
type ExecutedMessage struct {
	Node     string          `json:"node"`
	Output   json.RawMessage `json:"output"`
	PromptID string          `json:"prompt_id"`
}

// ExecutionErrorMessage reports a failed prompt.
type ExecutionErrorMessage struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}

func (*StatusMessage) Type() string          { return TypeStatus }
func (*ExecutionStartMessage) Type() string  { return TypeExecutionStart }
func (*ExecutionCachedMessage) Type() string { return TypeExecutionCached }
func (*ExecutingMessage) Type() string       { return TypeExecuting }
func (*ProgressMessage) Type() string        { return TypeProgress }
func (*ExecutedMessage) Type() string        { return TypeExecuted }
func (*ExecutionErrorMessage) Type() string  { return TypeExecutionError }

// ParseMessage decodes a text frame of the form {"type": ..., "data": {...}}.
func ParseMessage(text []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(text, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	var msg Message
	switch f.Type {
	case TypeStatus:
		msg = &StatusMessage{}
	case TypeExecutionStart:
		msg = &ExecutionStartMessage{}
	case TypeExecutionCached:
		msg = &ExecutionCachedMessage{}
	case TypeExecuting:
		msg = &ExecutingMessage{}
	case TypeProgress:
		msg = &ProgressMessage{}
	case TypeExecuted:
		msg = &ExecutedMessage{}
	case TypeExecutionError:
		msg = &ExecutionErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, f.Type)
	}

	if len(f.Data) == 0 {
		return nil, fmt.Errorf("frame %q has no data", f.Type)
	}
	if err := json.Unmarshal(f.Data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s data: %w", f.Type, err)
	}
	return msg, nil
}
