package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	queue "gpubridge/pkg/queue/asynq"
	"gpubridge/pkg/store/mysql"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu            sync.Mutex
	nextID        int64
	insertErr     error
	events        []*mysql.PlatformEvent
	webhooks      []*mysql.WebhookSubscription
	prefs         map[int64]*mysql.NotificationPreference
	notifications []*mysql.Notification
}

func newMemStore() *memStore {
	return &memStore{prefs: make(map[int64]*mysql.NotificationPreference)}
}

func (s *memStore) Insert(ctx context.Context, e *mysql.PlatformEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.nextID++
	e.ID = s.nextID
	s.events = append(s.events, e)
	return e.ID, nil
}

func (s *memStore) ListWebhooks(ctx context.Context, eventType string) ([]*mysql.WebhookSubscription, error) {
	var out []*mysql.WebhookSubscription
	for _, w := range s.webhooks {
		if w.Enabled && len(eventType) >= len(w.EventPrefix) && eventType[:len(w.EventPrefix)] == w.EventPrefix {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memStore) GetPreference(ctx context.Context, userID int64) (*mysql.NotificationPreference, error) {
	return s.prefs[userID], nil
}

func (s *memStore) CreateNotification(ctx context.Context, n *mysql.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *memStore) channels(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n.Channel)
		}
	}
	return out
}

type memQueue struct {
	mu       sync.Mutex
	webhooks []*queue.WebhookTask
	emails   []*queue.EmailTask
}

func (q *memQueue) EnqueueWebhook(ctx context.Context, t *queue.WebhookTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.webhooks = append(q.webhooks, t)
	return nil
}

func (q *memQueue) EnqueueEmail(ctx context.Context, t *queue.EmailTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.emails = append(q.emails, t)
	return nil
}

type memNotifier struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (n *memNotifier) SendJSONToUser(userID int64, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[int64][]string)
	}
	n.sent[userID] = append(n.sent[userID], string(data))
	return 1, nil
}

func newTestRouter() (*Router, *memStore, *memQueue, *memNotifier) {
	store, q, n := newMemStore(), &memQueue{}, &memNotifier{}
	return NewRouter(store, q, n, "gpubridge"), store, q, n
}

func TestRouter_JobEventGoesToActorInApp(t *testing.T) {
	r, store, q, n := newTestRouter()

	r.Handle(context.Background(), New(TypeJobCompleted).WithSource("job", 5).WithActor(7).
		WithPayload(map[string]interface{}{"job_id": 5}))

	require.Len(t, store.events, 1)
	assert.Equal(t, "job", store.events[0].SourceEntityType)
	require.Len(t, n.sent[7], 1)
	assert.JSONEq(t, `"job.completed"`, mustField(t, n.sent[7][0], "event_type"))
	assert.Equal(t, []string{mysql.ChannelInApp}, store.channels(7))
	assert.Empty(t, q.emails)
}

func TestRouter_EmailWhenEnabled(t *testing.T) {
	r, store, q, _ := newTestRouter()
	store.prefs[7] = &mysql.NotificationPreference{UserID: 7, Email: "u@example.com", EmailEnabled: true}

	r.Handle(context.Background(), New(TypeJobFailed).WithActor(7).
		WithPayload(map[string]interface{}{"error": "boom"}))

	require.Len(t, q.emails, 1)
	assert.Equal(t, "u@example.com", q.emails[0].Message.To)
	assert.Equal(t, "[gpubridge] job.failed", q.emails[0].Message.Subject)
	assert.Equal(t, int64(1), q.emails[0].EventID)
	assert.ElementsMatch(t, []string{mysql.ChannelInApp, mysql.ChannelEmail}, store.channels(7))
}

func TestRouter_DigestDefersNonCriticalEvents(t *testing.T) {
	r, store, q, n := newTestRouter()
	store.prefs[7] = &mysql.NotificationPreference{UserID: 7, Email: "u@example.com", EmailEnabled: true, DigestEnabled: true}

	r.Handle(context.Background(), New(TypeJobCompleted).WithActor(7))
	assert.Equal(t, []string{mysql.ChannelDigest}, store.channels(7))
	assert.Empty(t, n.sent[7])
	assert.Empty(t, q.emails)

	r.Handle(context.Background(), New(TypeJobFailed).WithActor(7))
	assert.Len(t, n.sent[7], 1, "critical events bypass the digest")
	assert.Len(t, q.emails, 1)
}

func TestRouter_WebhooksByPrefix(t *testing.T) {
	r, store, q, _ := newTestRouter()
	store.webhooks = []*mysql.WebhookSubscription{
		{ID: 1, URL: "https://a", EventPrefix: "job.", Enabled: true},
		{ID: 2, URL: "https://b", EventPrefix: "", Enabled: true},
		{ID: 3, URL: "https://c", EventPrefix: "scene.", Enabled: true},
		{ID: 4, URL: "https://d", EventPrefix: "job.", Enabled: false},
	}

	r.Handle(context.Background(), New(TypeJobCancelled).WithSource("job", 9))

	require.Len(t, q.webhooks, 2)
	urls := []string{q.webhooks[0].URL, q.webhooks[1].URL}
	assert.ElementsMatch(t, []string{"https://a", "https://b"}, urls)
	assert.Equal(t, TypeJobCancelled, q.webhooks[0].Payload.EventType)
	require.NotNil(t, q.webhooks[0].Payload.SourceEntityID)
	assert.Equal(t, int64(9), *q.webhooks[0].Payload.SourceEntityID)
}

func TestRouter_MentionTargetsAndPersistFailure(t *testing.T) {
	r, store, _, n := newTestRouter()
	store.insertErr = errors.New("db down")

	payload := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(`{"mentioned_user_ids":[3,4]}`), &payload))
	r.Handle(context.Background(), New(TypeCollabMention).WithPayload(payload))

	assert.Len(t, n.sent[3], 1)
	assert.Len(t, n.sent[4], 1)
	assert.Empty(t, store.notifications, "no rows without a persisted event")
}

func TestRouter_RunStopsWhenBusCloses(t *testing.T) {
	r, store, _, _ := newTestRouter()
	bus := NewBus(8)
	ch := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), ch)
		close(done)
	}()

	bus.Publish(New("system.started"))
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
	}
	assert.Len(t, store.events, 1)
}

func TestTargets(t *testing.T) {
	assert.Nil(t, targets(New(TypeJobCompleted)))
	assert.Equal(t, []int64{2}, targets(New(TypeJobFailed).WithActor(2)))
	assert.Equal(t, []int64{5}, targets(New(TypeCollabMention).WithPayload(map[string]interface{}{"mentioned_user_ids": []int64{5}})))
	assert.Nil(t, targets(New("scene.updated").WithActor(2)))
}

func mustField(t *testing.T, doc, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(doc), &m))
	return string(m[field])
}
