// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for
// testability. Production code accepts a Clock instead of calling
// time.Now, time.After, time.NewTicker, or time.Sleep directly;
// tests inject Fake() and drive time with Advance.
package clock

import "time"

// Clock abstracts the time operations this service uses: timestamps
// (challenge expiry, backoff deadlines), one-shot waits (retry and
// backoff sleeps), and periodic ticks (SSE heartbeats).
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker that delivers ticks on its C channel
	// at the specified interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the current goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C. Call Stop when
// the Ticker is no longer needed to release resources.
//
// The C channel has capacity 1, matching time.Ticker. If the consumer
// falls behind, ticks are dropped rather than queued.
type Ticker struct {
	// C delivers ticks. Buffered with capacity 1.
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks will be sent on C after
// Stop returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
