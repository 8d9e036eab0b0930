// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time so that quota day rollover, executor polling,
// and reconciliation grace waits are testable. Production code injects
// Real(); tests inject Fake() and advance it deterministically.
//
// Production functions that would call time.Now, time.After, time.Sleep,
// or time.NewTicker should take a Clock (or sit on a struct that holds
// one) instead of reaching for the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C, call Stop when
// done. C is buffered with capacity 1; ticks are dropped, not queued,
// when the consumer falls behind (matching time.Ticker).
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. No ticks are sent after Stop returns.
// Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
