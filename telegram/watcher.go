// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/clock"
)

// UpdateHandler receives each update in arrival order. Handlers run on
// the watcher's goroutine; slow work must be dispatched elsewhere or
// the poll loop stalls.
type UpdateHandler func(ctx context.Context, update Update)

// maxPollRetries is the number of consecutive getUpdates failures
// allowed before Run returns an error. Persistent failure means the
// token is bad or the network is gone; the process supervisor is the
// right place to decide what happens next.
const maxPollRetries = 5

// longPollSeconds is the server-side hold time for getUpdates. The
// server returns immediately when updates arrive, so there is no
// client-side polling interval.
const longPollSeconds = 30

// retryDelay spaces consecutive retry attempts after a poll error.
const retryDelay = time.Second

// WatcherConfig holds configuration for creating a Watcher.
type WatcherConfig struct {
	// Client performs the getUpdates calls. Required.
	Client *Client
	// Handler receives each update. Required.
	Handler UpdateHandler
	// Clock paces retry backoff. If nil, the real clock is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Watcher drives the getUpdates long-poll loop. It tracks the
// acknowledgement offset so each update is delivered exactly once per
// process lifetime, and it subscribes to channel posts as well as
// chat messages so the archive channel index stays current.
//
// Watcher is not safe for concurrent use; run exactly one per bot
// token. Telegram rejects concurrent getUpdates calls with a 409.
type Watcher struct {
	client  *Client
	handler UpdateHandler
	clock   clock.Clock
	logger  *slog.Logger
	offset  int64
}

// NewWatcher creates a watcher. It does not start polling; call Run.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("telegram: Client is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("telegram: Handler is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		client:  config.Client,
		handler: config.Handler,
		clock:   clk,
		logger:  logger,
	}, nil
}

// Run polls for updates until the context is cancelled or getUpdates
// fails maxPollRetries consecutive times. Each delivered update
// advances the acknowledgement offset before the handler runs, so a
// handler panic cannot cause redelivery on the next poll.
func (w *Watcher) Run(ctx context.Context) error {
	allowed := []string{"message", "channel_post"}
	var pollRetries int

	for {
		updates, err := w.client.GetUpdates(ctx, w.offset, longPollSeconds, allowed)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pollRetries++
			// TCP-level errors (connection reset, EOF) often indicate
			// a poisoned connection in Go's HTTP pool. Drop idle
			// connections so the next attempt opens a fresh socket.
			w.client.CloseIdleConnections()
			if pollRetries > maxPollRetries {
				return fmt.Errorf("telegram: getUpdates failed %d consecutive times: %w", pollRetries, err)
			}
			w.logger.Warn("update poll error, retrying",
				"attempt", pollRetries,
				"max_attempts", maxPollRetries,
				"error", err,
			)
			if waitErr := w.backoff(ctx, err); waitErr != nil {
				return waitErr
			}
			continue
		}
		pollRetries = 0

		for _, update := range updates {
			w.offset = update.UpdateID + 1
			w.handler(ctx, update)
		}
	}
}

// backoff waits before the next poll attempt. Flood-control responses
// carry an explicit retry-after hint; everything else waits one
// retryDelay.
func (w *Watcher) backoff(ctx context.Context, pollErr error) error {
	delay := retryDelay
	var apiErr *APIError
	if errors.As(pollErr, &apiErr) && apiErr.RetryAfter > 0 {
		delay = time.Duration(apiErr.RetryAfter) * time.Second
	}
	select {
	case <-w.clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
