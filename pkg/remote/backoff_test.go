package remote

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelay_DefaultSequence(t *testing.T) {
	cfg := DefaultReconnectConfig()
	expected := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}

	d := cfg.InitialDelay
	for i, want := range expected {
		assert.Equal(t, want*time.Second, d, "delay #%d", i+1)
		d = NextDelay(d, cfg)
	}
}

func TestNextDelay_Clamping(t *testing.T) {
	cfg := ReconnectConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}
	assert.Equal(t, 10*time.Second, NextDelay(8*time.Second, cfg))

	cfg.MaxDelay = 30 * time.Second
	assert.Equal(t, 30*time.Second, NextDelay(30*time.Second, cfg))
}

// TestProperty_NextDelayBounded verifies the delay never exceeds the max and never shrinks
// below the current delay while under the max.
func TestProperty_NextDelayBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("next delay is within [current, max]", prop.ForAll(
		func(currentMs int, maxMs int, mult float64) bool {
			cfg := ReconnectConfig{
				InitialDelay: time.Millisecond,
				Multiplier:   mult,
				MaxDelay:     time.Duration(maxMs) * time.Millisecond,
			}
			current := time.Duration(currentMs) * time.Millisecond
			if current > cfg.MaxDelay {
				current = cfg.MaxDelay
			}
			next := NextDelay(current, cfg)
			return next <= cfg.MaxDelay && next >= current
		},
		gen.IntRange(1, 120000),
		gen.IntRange(1, 120000),
		gen.Float64Range(1.0, 5.0),
	))

	properties.TestingRun(t)
}

func fastReconnectConfig() ReconnectConfig {
	return ReconnectConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestReconnectLoop_ReturnsConnOnSuccess(t *testing.T) {
	var attempts int32
	want := &Conn{InstanceID: 7}

	got := ReconnectLoop(context.Background(), fastReconnectConfig(), func(ctx context.Context) (*Conn, error) {
		if atomic.AddInt32(&attempts, 1) < 4 {
			return nil, errors.New("connection refused")
		}
		return want, nil
	})

	assert.Same(t, want, got)
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
}

func TestReconnectLoop_CancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	got := ReconnectLoop(ctx, fastReconnectConfig(), func(ctx context.Context) (*Conn, error) {
		called = true
		return &Conn{}, nil
	})

	assert.Nil(t, got)
	assert.False(t, called)
}

func TestReconnectLoop_CancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := ReconnectConfig{InitialDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}

	done := make(chan *Conn, 1)
	go func() {
		done <- ReconnectLoop(ctx, cfg, func(ctx context.Context) (*Conn, error) {
			return nil, errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case got := <-done:
		require.Nil(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect loop did not observe cancellation during backoff sleep")
	}
}
