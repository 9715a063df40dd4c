// Package ratelimit provides a token bucket limiter for throttling transfer
// bandwidth. Waiting is cancellable so an aborted transfer never sleeps on a
// bucket that has run dry.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// maxWait caps a single sleep so that large requests against a slow bucket
// are served in slices.
const maxWait = time.Second

// Limiter is a token bucket limiting throughput to a number of bytes per
// second. Burst capacity is one second worth of data. A nil *Limiter is
// valid and never waits.
type Limiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// New returns a limiter for bytesPerSecond, or nil when the value is not
// positive (unlimited).
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	rate := float64(bytesPerSecond)
	return &Limiter{
		rate:       rate,
		burst:      rate,
		tokens:     rate,
		lastUpdate: time.Now(),
	}
}

// Rate returns the configured bytes per second, 0 for a nil limiter.
func (rl *Limiter) Rate() int64 {
	if rl == nil {
		return 0
	}
	return int64(rl.rate)
}

// Wait blocks until n bytes may pass or ctx is done. Requests larger than
// the burst are admitted once the bucket is full, leaving it in debt.
func (rl *Limiter) Wait(ctx context.Context, n int) error {
	if rl == nil || n <= 0 {
		return nil
	}

	need := float64(n)
	for {
		rl.mu.Lock()
		rl.refill(time.Now())

		if rl.tokens >= need || (need > rl.burst && rl.tokens >= rl.burst) {
			rl.tokens -= need
			rl.mu.Unlock()
			return nil
		}

		short := need - rl.tokens
		if need > rl.burst {
			short = rl.burst - rl.tokens
		}
		wait := time.Duration(short / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		if wait > maxWait {
			wait = maxWait
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (rl *Limiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastUpdate).Seconds()
	rl.lastUpdate = now
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
}

// Group applies several limiters to the same stream, e.g. a per-session
// limit together with a server-wide one.
type Group []*Limiter

// Wait waits on every non-nil limiter in turn.
func (g Group) Wait(ctx context.Context, n int) error {
	for _, l := range g {
		if err := l.Wait(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
