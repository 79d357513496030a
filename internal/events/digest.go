package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gpubridge/pkg/lock"
	"gpubridge/pkg/logger"
	"gpubridge/pkg/notification"
	queue "gpubridge/pkg/queue/asynq"
	"gpubridge/pkg/store/mysql"

	"github.com/robfig/cron/v3"
)

// DigestStore is the persistence the digest scheduler needs.
type DigestStore interface {
	ListUsersDueForDigest(ctx context.Context, now time.Time) ([]*mysql.NotificationPreference, error)
	PendingDigestEvents(ctx context.Context, userID int64) ([]*mysql.PlatformEvent, error)
	MarkDigestDelivered(ctx context.Context, userID int64, now time.Time) error
}

// EmailEnqueuer schedules an email delivery.
type EmailEnqueuer interface {
	EnqueueEmail(ctx context.Context, t *queue.EmailTask) error
}

// DigestScheduler periodically bundles deferred notifications into one email per user.
type DigestScheduler struct {
	store   DigestStore
	mailer  EmailEnqueuer
	lock    lock.DistributedLock
	appName string
	spec    string
	cron    *cron.Cron
	now     func() time.Time
}

// NewDigestScheduler creates a scheduler that checks for due digests every interval.
// lk may be nil for a single replica.
func NewDigestScheduler(store DigestStore, mailer EmailEnqueuer, lk lock.DistributedLock, appName string, interval time.Duration) *DigestScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &DigestScheduler{
		store:   store,
		mailer:  mailer,
		lock:    lk,
		appName: appName,
		spec:    fmt.Sprintf("@every %s", interval),
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start schedules the digest run.
func (d *DigestScheduler) Start(ctx context.Context) error {
	_, err := d.cron.AddFunc(d.spec, func() {
		if err := d.RunOnce(ctx); err != nil && !errors.Is(err, lock.ErrNotAcquired) {
			logger.ErrorCtx(ctx, "failed to process digests: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule digest: %w", err)
	}
	d.cron.Start()
	logger.InfoCtx(ctx, "digest scheduler started (%s)", d.spec)
	return nil
}

// Stop waits for a running digest pass to finish.
func (d *DigestScheduler) Stop() {
	<-d.cron.Stop().Done()
}

// RunOnce delivers every due digest. With a lock configured, only one replica runs at a time.
func (d *DigestScheduler) RunOnce(ctx context.Context) error {
	if d.lock == nil {
		return d.process(ctx)
	}
	return lock.WithLock(ctx, d.lock, d.process)
}

func (d *DigestScheduler) process(ctx context.Context) error {
	now := d.now()
	due, err := d.store.ListUsersDueForDigest(ctx, now)
	if err != nil {
		return err
	}

	delivered := 0
	for _, pref := range due {
		ok, err := d.sendDigest(ctx, pref, now)
		if err != nil {
			logger.ErrorCtx(ctx, "failed to send digest for user %d: %v", pref.UserID, err)
			continue
		}
		if ok {
			delivered++
		}
	}
	if delivered > 0 {
		logger.InfoCtx(ctx, "processed %d digest deliveries", delivered)
	}
	return nil
}

func (d *DigestScheduler) sendDigest(ctx context.Context, pref *mysql.NotificationPreference, now time.Time) (bool, error) {
	pending, err := d.store.PendingDigestEvents(ctx, pref.UserID)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	if pref.Email != "" {
		lines := make([]string, 0, len(pending))
		for _, e := range pending {
			lines = append(lines, fmt.Sprintf("- %s  %s", e.CreatedAt.UTC().Format(time.RFC3339), e.EventType))
		}
		task := &queue.EmailTask{
			UserID:  pref.UserID,
			Message: *notification.DigestEmail(d.appName, pref.Email, lines),
		}
		if err := d.mailer.EnqueueEmail(ctx, task); err != nil {
			return false, err
		}
	}

	if err := d.store.MarkDigestDelivered(ctx, pref.UserID, now); err != nil {
		return false, err
	}
	logger.InfoCtx(ctx, "digest delivered to user %d, %d notifications", pref.UserID, len(pending))
	return true, nil
}
