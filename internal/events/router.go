package events

import (
	"context"
	"strings"
	"time"

	"gpubridge/internal/notify"
	"gpubridge/pkg/logger"
	"gpubridge/pkg/notification"
	queue "gpubridge/pkg/queue/asynq"
	"gpubridge/pkg/store/mysql"
)

// Store is the persistence the router needs.
type Store interface {
	Insert(ctx context.Context, event *mysql.PlatformEvent) (int64, error)
	ListWebhooks(ctx context.Context, eventType string) ([]*mysql.WebhookSubscription, error)
	GetPreference(ctx context.Context, userID int64) (*mysql.NotificationPreference, error)
	CreateNotification(ctx context.Context, n *mysql.Notification) error
}

// Enqueuer schedules outbound deliveries.
type Enqueuer interface {
	EnqueueWebhook(ctx context.Context, t *queue.WebhookTask) error
	EnqueueEmail(ctx context.Context, t *queue.EmailTask) error
}

// UserNotifier pushes a JSON envelope to a user's live connections.
type UserNotifier interface {
	SendJSONToUser(userID int64, v interface{}) (int, error)
}

// criticalEvents skip the digest and are delivered immediately.
var criticalEvents = map[string]bool{
	TypeJobFailed: true,
}

// Router persists every event, then fans it out to webhooks and targeted users.
type Router struct {
	store    Store
	queue    Enqueuer
	notifier UserNotifier
	appName  string
}

// NewRouter creates a router.
func NewRouter(store Store, queue Enqueuer, notifier UserNotifier, appName string) *Router {
	return &Router{store: store, queue: queue, notifier: notifier, appName: appName}
}

// Run consumes events until ch is closed or ctx is cancelled.
func (r *Router) Run(ctx context.Context, ch <-chan *Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				logger.InfoCtx(ctx, "event bus closed, router shutting down")
				return
			}
			r.Handle(ctx, e)
		}
	}
}

// Handle routes one event. Failures are logged per channel and never stop the others.
func (r *Router) Handle(ctx context.Context, e *Event) {
	id, err := r.store.Insert(ctx, e.model())
	if err != nil {
		logger.ErrorCtx(ctx, "failed to persist event %s: %v", e.Type, err)
	}
	e.ID = id

	r.routeWebhooks(ctx, e)

	for _, userID := range targets(e) {
		if err := r.routeToUser(ctx, userID, e); err != nil {
			logger.ErrorCtx(ctx, "failed to route %s to user %d: %v", e.Type, userID, err)
		}
	}
}

func (r *Router) routeWebhooks(ctx context.Context, e *Event) {
	subs, err := r.store.ListWebhooks(ctx, e.Type)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to list webhooks for %s: %v", e.Type, err)
		return
	}
	for _, sub := range subs {
		task := &queue.WebhookTask{
			SubscriptionID: sub.ID,
			URL:            sub.URL,
			Payload: notification.WebhookPayload{
				EventType:        e.Type,
				Payload:          e.Payload,
				Timestamp:        e.Timestamp,
				SourceEntityType: e.SourceEntityType,
				SourceEntityID:   e.SourceEntityID,
			},
		}
		if err := r.queue.EnqueueWebhook(ctx, task); err != nil {
			logger.ErrorCtx(ctx, "failed to enqueue webhook %d for %s: %v", sub.ID, e.Type, err)
		}
	}
}

func (r *Router) routeToUser(ctx context.Context, userID int64, e *Event) error {
	pref, err := r.store.GetPreference(ctx, userID)
	if err != nil {
		return err
	}

	if pref != nil && pref.DigestEnabled && !criticalEvents[e.Type] {
		return r.record(ctx, userID, e, mysql.ChannelDigest, false)
	}

	sent, err := r.notifier.SendJSONToUser(userID, &notify.PlatformNotification{
		Type:      notify.TypeNotification,
		EventID:   e.ID,
		EventType: e.Type,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		logger.WarnCtx(ctx, "failed to push %s to user %d: %v", e.Type, userID, err)
	}
	if err := r.record(ctx, userID, e, mysql.ChannelInApp, sent > 0); err != nil {
		logger.WarnCtx(ctx, "failed to record in-app notification: %v", err)
	}

	if pref == nil || !pref.EmailEnabled || pref.Email == "" {
		return nil
	}
	task := &queue.EmailTask{
		UserID:  userID,
		EventID: e.ID,
		Message: *notification.EventEmail(r.appName, pref.Email, e.Type, e.Timestamp, e.Payload),
	}
	if err := r.queue.EnqueueEmail(ctx, task); err != nil {
		return err
	}
	return r.record(ctx, userID, e, mysql.ChannelEmail, false)
}

// record stores a notification row; events that failed to persist have no row to point at.
func (r *Router) record(ctx context.Context, userID int64, e *Event, channel string, delivered bool) error {
	if e.ID == 0 {
		return nil
	}
	n := &mysql.Notification{UserID: userID, EventID: e.ID, Channel: channel, CreatedAt: time.Now()}
	if delivered {
		now := time.Now()
		n.DeliveredAt = &now
	}
	return r.store.CreateNotification(ctx, n)
}

// targets returns the users an event is addressed to.
func targets(e *Event) []int64 {
	switch {
	case strings.HasPrefix(e.Type, "job."):
		if e.ActorUserID != nil {
			return []int64{*e.ActorUserID}
		}
		return nil
	case e.Type == TypeCollabMention:
		return mentionedUsers(e.Payload["mentioned_user_ids"])
	default:
		return nil
	}
}

func mentionedUsers(v interface{}) []int64 {
	switch ids := v.(type) {
	case []int64:
		return ids
	case []interface{}:
		out := make([]int64, 0, len(ids))
		for _, id := range ids {
			switch n := id.(type) {
			case float64:
				out = append(out, int64(n))
			case int64:
				out = append(out, n)
			case int:
				out = append(out, int64(n))
			}
		}
		return out
	default:
		return nil
	}
}
