package events

import (
	"context"
	"encoding/json"
	"fmt"

	"gpubridge/pkg/notification"
	queue "gpubridge/pkg/queue/asynq"

	"github.com/hibiken/asynq"
)

// NewWebhookHandler processes delivery:webhook tasks.
func NewWebhookHandler(n *notification.WebhookNotifier) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var task queue.WebhookTask
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("failed to decode webhook task: %v: %w", err, asynq.SkipRetry)
		}
		return n.Send(ctx, task.URL, &task.Payload)
	}
}

// MailSender sends a single email.
type MailSender interface {
	Send(ctx context.Context, msg *notification.EmailMessage) error
}

// NewEmailHandler processes delivery:email tasks.
func NewEmailHandler(s MailSender) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var task queue.EmailTask
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("failed to decode email task: %v: %w", err, asynq.SkipRetry)
		}
		return s.Send(ctx, &task.Message)
	}
}
