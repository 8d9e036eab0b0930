// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/clock"
)

// Runner executes one claimed entry to settlement. The pipeline
// implements this. Runner reports its own step-level progress and
// failures to the entry's reply context; the returned error only
// decides quota accounting and loop logging.
type Runner interface {
	Run(ctx context.Context, entry *Entry) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, entry *Entry) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, entry *Entry) error { return f(ctx, entry) }

// Executor drives the single-worker loop over a State. Exactly one
// entry is in flight at any instant: the loop goroutine is the only
// caller of claim and finish, and claim refuses while the slot is
// occupied.
type Executor struct {
	state  *State
	runner Runner

	// pollInterval is the idle backstop. Wakeups normally arrive on
	// the State's work channel the moment an entry is enqueued.
	pollInterval time.Duration

	clock  clock.Clock
	logger *slog.Logger
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	State  *State
	Runner Runner

	// PollInterval is the idle poll backstop. Zero means 3s.
	PollInterval time.Duration

	// Clock supplies the ticker. Nil means the real clock.
	Clock clock.Clock

	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger
}

// NewExecutor creates an Executor. Call Run to start the loop.
func NewExecutor(cfg ExecutorConfig) *Executor {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		state:        cfg.State,
		runner:       cfg.Runner,
		pollInterval: interval,
		clock:        c,
		logger:       logger,
	}
}

// Run blocks, executing queued entries strictly one at a time until
// ctx is cancelled. Each wakeup drains the queue completely: the next
// entry starts immediately after the previous one settles, with no
// artificial delay. An empty queue parks the loop on the wake channel
// with a ticker backstop.
//
// Run returns ctx.Err() on cancellation. A run in progress finishes
// first; the in-flight entry is never abandoned mid-pipeline.
func (x *Executor) Run(ctx context.Context) error {
	ticker := x.clock.NewTicker(x.pollInterval)
	defer ticker.Stop()

	for {
		x.drain(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-x.state.Wake():
		case <-ticker.C:
		}
	}
}

// drain runs entries until the queue is empty or ctx is cancelled.
func (x *Executor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		entry := x.state.claim()
		if entry == nil {
			return
		}
		x.runOne(ctx, entry)
	}
}

// runOne executes a single entry to settlement. Failures, including
// panics from the runner, are isolated at this boundary: they are
// logged, reported to the entry's originating chat as an internals-free
// message, and never stop the loop.
func (x *Executor) runOne(ctx context.Context, entry *Entry) {
	start := x.clock.Now()
	succeeded := false

	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("task panicked",
				"request_id", entry.RequestID,
				"user_id", entry.Principal.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			entry.Reply.Notify(ctx, "Something went wrong while processing your request. Please try again later.")
		}
		x.state.finish(entry, succeeded)
	}()

	x.logger.Info("task started",
		"request_id", entry.RequestID,
		"user_id", entry.Principal.ID,
		"kind", entry.Request.Kind.String(),
		"item_id", entry.Request.ItemID,
	)

	err := x.runner.Run(ctx, entry)
	if err != nil {
		x.logger.Error("task failed",
			"request_id", entry.RequestID,
			"user_id", entry.Principal.ID,
			"item_id", entry.Request.ItemID,
			"duration", x.clock.Now().Sub(start),
			"error", err,
		)
		return
	}

	succeeded = true
	x.logger.Info("task completed",
		"request_id", entry.RequestID,
		"user_id", entry.Principal.ID,
		"item_id", entry.Request.ItemID,
		"duration", x.clock.Now().Sub(start),
	)
}
