package asynq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gpubridge/pkg/config"
	"gpubridge/pkg/logger"
	"gpubridge/pkg/notification"

	"github.com/hibiken/asynq"
)

const (
	TypeWebhookDelivery = "delivery:webhook"
	TypeEmailDelivery   = "delivery:email"

	queueName = "delivery"
)

// WebhookTask is the payload of a webhook delivery.
type WebhookTask struct {
	SubscriptionID int64                       `json:"subscription_id"`
	URL            string                      `json:"url"`
	Payload        notification.WebhookPayload `json:"payload"`
}

// EmailTask is the payload of an email delivery.
type EmailTask struct {
	UserID  int64                     `json:"user_id"`
	EventID int64                     `json:"event_id"`
	Message notification.EmailMessage `json:"message"`
}

// Manager queue manager
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	cfg       config.QueueConfig
}

// NewManager creates queue manager
func NewManager(cfg *config.Config) (*Manager, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues: map[string]int{
				queueName: 10,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * 30 * time.Second
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.ErrorCtx(ctx, "delivery task %s failed: %v", task.Type(), err)
			}),
		},
	)

	return &Manager{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(redisOpt),
		cfg:       cfg.Queue,
	}, nil
}

// NewWebhookTask builds the asynq task for a webhook delivery.
func NewWebhookTask(t *WebhookTask) (*asynq.Task, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook task: %w", err)
	}
	return asynq.NewTask(TypeWebhookDelivery, payload), nil
}

// NewEmailTask builds the asynq task for an email delivery.
func NewEmailTask(t *EmailTask) (*asynq.Task, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal email task: %w", err)
	}
	return asynq.NewTask(TypeEmailDelivery, payload), nil
}

// EnqueueWebhook schedules a webhook delivery.
func (m *Manager) EnqueueWebhook(ctx context.Context, t *WebhookTask) error {
	task, err := NewWebhookTask(t)
	if err != nil {
		return err
	}
	return m.enqueue(ctx, task)
}

// EnqueueEmail schedules an email delivery.
func (m *Manager) EnqueueEmail(ctx context.Context, t *EmailTask) error {
	task, err := NewEmailTask(t)
	if err != nil {
		return err
	}
	return m.enqueue(ctx, task)
}

func (m *Manager) enqueue(ctx context.Context, task *asynq.Task) error {
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.Timeout(time.Duration(m.cfg.TaskTimeout) * time.Second),
		asynq.MaxRetry(m.cfg.MaxRetry),
	}

	info, err := m.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}

	logger.DebugCtx(ctx, "task enqueued, type: %s, task_id: %s, queue: %s", task.Type(), info.ID, info.Queue)
	return nil
}

// RegisterHandler registers task handler
func (m *Manager) RegisterHandler(pattern string, handler asynq.Handler) {
	m.mux.Handle(pattern, handler)
}

// Start starts queue processor
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting delivery queue server")
	return m.server.Start(m.mux)
}

// Stop stops queue processor
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping delivery queue server")
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes client
func (m *Manager) Close() error {
	_ = m.inspector.Close()
	return m.client.Close()
}

// PendingCount returns the number of deliveries waiting in the queue.
func (m *Manager) PendingCount() (int, error) {
	stats, err := m.inspector.GetQueueInfo(queueName)
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}
