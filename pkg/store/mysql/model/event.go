package model

import "time"

// Notification channels.
const (
	ChannelInApp   = "in_app"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelDigest  = "digest"
)

// PlatformEvent is a persisted copy of an event published on the bus.
type PlatformEvent struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType        string    `gorm:"column:event_type;type:varchar(100);not null;index:idx_event_type" json:"event_type"`
	SourceEntityType string    `gorm:"column:source_entity_type;type:varchar(100)" json:"source_entity_type,omitempty"`
	SourceEntityID   *int64    `gorm:"column:source_entity_id" json:"source_entity_id,omitempty"`
	ActorUserID      *int64    `gorm:"column:actor_user_id;index:idx_actor" json:"actor_user_id,omitempty"`
	Payload          JSONMap   `gorm:"column:payload;type:json" json:"payload"`
	CreatedAt        time.Time `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
}

// TableName specifies the table name for PlatformEvent
func (PlatformEvent) TableName() string {
	return "platform_events"
}

// WebhookSubscription posts matching events to an external URL.
type WebhookSubscription struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      *int64    `gorm:"column:user_id;index:idx_webhook_user" json:"user_id,omitempty"`
	URL         string    `gorm:"column:url;type:varchar(1000);not null" json:"url"`
	EventPrefix string    `gorm:"column:event_prefix;type:varchar(100);not null;default:''" json:"event_prefix"`
	Enabled     bool      `gorm:"column:enabled;not null;default:true" json:"enabled"`
	CreatedAt   time.Time `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
}

// TableName specifies the table name for WebhookSubscription
func (WebhookSubscription) TableName() string {
	return "webhook_subscriptions"
}

// NotificationPreference controls per-user delivery channels.
type NotificationPreference struct {
	UserID              int64      `gorm:"primaryKey;column:user_id" json:"user_id"`
	Email               string     `gorm:"column:email;type:varchar(255)" json:"email"`
	EmailEnabled        bool       `gorm:"column:email_enabled;not null;default:false" json:"email_enabled"`
	DigestEnabled       bool       `gorm:"column:digest_enabled;not null;default:false" json:"digest_enabled"`
	DigestIntervalHours int        `gorm:"column:digest_interval_hours;not null;default:24" json:"digest_interval_hours"`
	LastDigestAt        *time.Time `gorm:"column:last_digest_at;type:datetime(3)" json:"last_digest_at,omitempty"`
}

// TableName specifies the table name for NotificationPreference
func (NotificationPreference) TableName() string {
	return "notification_preferences"
}

// Notification is one event routed to one user on one channel.
type Notification struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      int64      `gorm:"column:user_id;not null;index:idx_user_channel,priority:1" json:"user_id"`
	EventID     int64      `gorm:"column:event_id;not null" json:"event_id"`
	Channel     string     `gorm:"column:channel;type:varchar(20);not null;index:idx_user_channel,priority:2" json:"channel"`
	DeliveredAt *time.Time `gorm:"column:delivered_at;type:datetime(3)" json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
}

// TableName specifies the table name for Notification
func (Notification) TableName() string {
	return "notifications"
}
