// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/clock"
)

// Reconciler recovers the true outcome of an archive upload whose
// completion signal was lost to a client-side timeout. The timeout is
// advisory, not authoritative: a multi-gigabyte IPA can land at the
// sink after the client has given up waiting.
//
// The recovery heuristic matches the sink's most recent item against
// the in-flight transfer. There is no transfer-id correlation on
// timeout, so this is only sound while the executor guarantees serial,
// non-overlapping transfers to the sink. A false negative here would
// cost a full re-decrypt and a misleading user-visible error, which is
// strictly worse than the residual mis-match risk.
type Reconciler struct {
	sink   ArchiveSink
	clock  clock.Clock
	grace  time.Duration
	logger *slog.Logger
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Sink ArchiveSink

	// Grace is how long to wait after a timeout-classified failure for
	// the in-flight completion to land. Zero means 30s.
	Grace time.Duration

	// Clock supplies the grace wait. Nil means the real clock.
	Clock clock.Clock

	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	grace := cfg.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{sink: cfg.Sink, clock: c, grace: grace, logger: logger}
}

// Upload attempts the archive transfer and reconciles an ambiguous
// outcome.
//
//  1. A definite success returns immediately.
//  2. A failure classified as a timeout is treated as status unknown;
//     a definite rejection propagates at once.
//  3. After the grace period, the sink's most recent item is probed.
//     An item that was not the most recent before the upload started
//     is accepted as the transfer's true result.
//  4. Otherwise the original failure propagates.
func (r *Reconciler) Upload(ctx context.Context, localPath string, meta ArchiveMetadata, onProgress ProgressFunc) (string, error) {
	// Pre-upload marker: reconciliation must see a NEW item, not
	// whatever was already sitting at the head of the sink. Best
	// effort; an error here only weakens the later comparison.
	before, err := r.sink.MostRecent(ctx)
	if err != nil {
		r.logger.Debug("pre-upload sink probe failed", "error", err)
		before = ""
	}

	sinkID, uploadErr := r.sink.UploadWithProgress(ctx, localPath, meta, onProgress)
	if uploadErr == nil {
		return sinkID, nil
	}
	if !isTimeout(uploadErr) {
		return "", uploadErr
	}

	r.logger.Warn("transfer outcome unknown after timeout, reconciling",
		"item_id", meta.ItemID,
		"grace", r.grace,
		"error", uploadErr,
	)

	select {
	case <-r.clock.After(r.grace):
	case <-ctx.Done():
		return "", uploadErr
	}

	recent, probeErr := r.sink.MostRecent(ctx)
	if probeErr != nil {
		r.logger.Error("post-timeout sink probe failed", "error", probeErr)
		return "", uploadErr
	}
	if recent == "" || recent == before {
		// Nothing new landed within the window: the timeout was a
		// real failure.
		return "", uploadErr
	}

	r.logger.Info("reconciled timed-out transfer to sink item",
		"item_id", meta.ItemID,
		"sink_id", recent,
	)
	return recent, nil
}
