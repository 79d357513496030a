package asynq

import (
	"encoding/json"
	"testing"
	"time"

	"gpubridge/pkg/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookTask(t *testing.T) {
	task, err := NewWebhookTask(&WebhookTask{
		SubscriptionID: 3,
		URL:            "https://hooks.example.com/x",
		Payload: notification.WebhookPayload{
			EventType: "job.completed",
			Payload:   map[string]interface{}{"job_id": float64(9)},
			Timestamp: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeWebhookDelivery, task.Type())

	var decoded WebhookTask
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.Equal(t, "https://hooks.example.com/x", decoded.URL)
	assert.Equal(t, "job.completed", decoded.Payload.EventType)
	assert.Equal(t, float64(9), decoded.Payload.Payload["job_id"])
}

func TestNewEmailTask(t *testing.T) {
	task, err := NewEmailTask(&EmailTask{
		UserID:  4,
		EventID: 10,
		Message: notification.EmailMessage{To: "u@example.com", Subject: "s", Body: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeEmailDelivery, task.Type())
	assert.JSONEq(t, `{"user_id":4,"event_id":10,"message":{"to":"u@example.com","subject":"s","body":"b"}}`, string(task.Payload()))
}
