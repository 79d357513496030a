package remote

import (
	"context"
	"time"

	"gpubridge/pkg/logger"
)

// ReconnectConfig controls the delay between connection attempts.
type ReconnectConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultReconnectConfig yields 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// NextDelay grows current by the multiplier, clamped to MaxDelay.
func NextDelay(current time.Duration, cfg ReconnectConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay || next <= 0 {
		return cfg.MaxDelay
	}
	return next
}

// ReconnectLoop calls connect until it succeeds or ctx is cancelled.
// Cancellation is checked before every attempt and during every wait;
// it returns nil in that case, which is a normal shutdown rather than an error.
func ReconnectLoop(ctx context.Context, cfg ReconnectConfig, connect func(ctx context.Context) (*Conn, error)) *Conn {
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := connect(ctx)
		if err == nil {
			if attempt > 1 {
				logger.InfoCtx(ctx, "reconnected after %d attempts", attempt)
			}
			return conn
		}

		logger.WarnCtx(ctx, "connection attempt %d failed, retrying in %v: %v", attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		delay = NextDelay(delay, cfg)
	}
}
