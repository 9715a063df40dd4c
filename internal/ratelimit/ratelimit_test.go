package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		bytesPerSecond int64
		expectNil      bool
	}{
		{"Valid rate", 1024, false},
		{"Zero rate (unlimited)", 0, true},
		{"Negative rate (unlimited)", -1, true},
		{"Very low rate", 1, false},
		{"High rate", 10 * 1024 * 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.bytesPerSecond)
			if tt.expectNil {
				assert.Nil(t, limiter)
				assert.Zero(t, limiter.Rate())
				return
			}
			require.NotNil(t, limiter)
			assert.Equal(t, tt.bytesPerSecond, limiter.Rate())
		})
	}
}

func TestNilLimiterNeverWaits(t *testing.T) {
	var l *Limiter
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 1<<30))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitWithinBurstIsImmediate(t *testing.T) {
	l := New(64 * 1024)
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 32*1024))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitThrottles(t *testing.T) {
	l := New(10 * 1024)
	ctx := context.Background()

	// Drain the initial burst, then ask for half a second worth.
	require.NoError(t, l.Wait(ctx, 10*1024))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, 5*1024))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 350*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestWaitCancelled(t *testing.T) {
	l := New(1024)
	require.NoError(t, l.Wait(context.Background(), 1024))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := l.Wait(ctx, 1024)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGroupAppliesAllLimiters(t *testing.T) {
	fast := New(1 << 20)
	slow := New(4 * 1024)
	g := Group{fast, nil, slow}
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx, 4*1024))
	start := time.Now()
	require.NoError(t, g.Wait(ctx, 2*1024))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}
