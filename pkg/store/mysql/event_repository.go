package mysql

import (
	"context"
	"fmt"
	"time"
)

// EventRepository persists platform events and their per-user deliveries.
type EventRepository struct {
	ds *Datastore
}

// NewEventRepository creates a new event repository
func NewEventRepository(ds *Datastore) *EventRepository {
	return &EventRepository{ds: ds}
}

// Insert stores an event and returns its id.
func (r *EventRepository) Insert(ctx context.Context, event *PlatformEvent) (int64, error) {
	if err := r.ds.DB(ctx).Create(event).Error; err != nil {
		return 0, fmt.Errorf("failed to insert event %s: %w", event.EventType, err)
	}
	return event.ID, nil
}

// ListWebhooks returns enabled subscriptions whose prefix matches eventType.
func (r *EventRepository) ListWebhooks(ctx context.Context, eventType string) ([]*WebhookSubscription, error) {
	var subs []*WebhookSubscription
	err := r.ds.DB(ctx).
		Where("enabled = ? AND ? LIKE CONCAT(event_prefix, '%')", true, eventType).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks for %s: %w", eventType, err)
	}
	return subs, nil
}

// GetPreference returns the user's preference, or nil when none is stored.
func (r *EventRepository) GetPreference(ctx context.Context, userID int64) (*NotificationPreference, error) {
	var prefs []NotificationPreference
	if err := r.ds.DB(ctx).Where("user_id = ?", userID).Limit(1).Find(&prefs).Error; err != nil {
		return nil, fmt.Errorf("failed to get preference for user %d: %w", userID, err)
	}
	if len(prefs) == 0 {
		return nil, nil
	}
	return &prefs[0], nil
}

// CreateNotification records an event routed to a user channel.
func (r *EventRepository) CreateNotification(ctx context.Context, n *Notification) error {
	if err := r.ds.DB(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// ListUsersDueForDigest returns digest-enabled users whose interval has elapsed.
func (r *EventRepository) ListUsersDueForDigest(ctx context.Context, now time.Time) ([]*NotificationPreference, error) {
	var prefs []*NotificationPreference
	err := r.ds.DB(ctx).
		Where("digest_enabled = ? AND (last_digest_at IS NULL OR last_digest_at <= DATE_SUB(?, INTERVAL digest_interval_hours HOUR))", true, now).
		Find(&prefs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list users due for digest: %w", err)
	}
	return prefs, nil
}

// PendingDigestEvents returns undelivered digest notifications joined with their events.
func (r *EventRepository) PendingDigestEvents(ctx context.Context, userID int64) ([]*PlatformEvent, error) {
	var events []*PlatformEvent
	err := r.ds.DB(ctx).
		Table("platform_events").
		Joins("JOIN notifications n ON n.event_id = platform_events.id").
		Where("n.user_id = ? AND n.channel = ? AND n.delivered_at IS NULL", userID, ChannelDigest).
		Order("platform_events.id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending digest for user %d: %w", userID, err)
	}
	return events, nil
}

// MarkDigestDelivered marks all pending digest notifications delivered and stamps the preference.
func (r *EventRepository) MarkDigestDelivered(ctx context.Context, userID int64, now time.Time) error {
	return r.ds.ExecTx(ctx, func(txCtx context.Context) error {
		err := r.ds.DB(txCtx).Model(&Notification{}).
			Where("user_id = ? AND channel = ? AND delivered_at IS NULL", userID, ChannelDigest).
			Update("delivered_at", now).Error
		if err != nil {
			return fmt.Errorf("failed to mark digest delivered: %w", err)
		}
		err = r.ds.DB(txCtx).Model(&NotificationPreference{}).
			Where("user_id = ?", userID).
			Update("last_digest_at", now).Error
		if err != nil {
			return fmt.Errorf("failed to stamp digest time: %w", err)
		}
		return nil
	})
}
