// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
)

// ErrAdmissionDenied is returned by Enqueue when the principal may not
// enter the queue at all: a free user while the system is private.
var ErrAdmissionDenied = errors.New("queue: admission denied")

// ErrQuotaExceeded is returned by Enqueue when a free user has no
// completed-job quota left for the current day.
var ErrQuotaExceeded = errors.New("queue: daily quota exhausted")

// DuplicateError is returned by Enqueue when an entry with the same
// dedup key (user, item) is already queued or processing. It reports
// where the existing entry is, so the user sees their real position
// instead of a generic rejection.
type DuplicateError struct {
	ItemID string

	// Position is the existing entry's 1-based place in the queue, or
	// 0 when the existing entry is the one currently processing.
	Position int
}

func (e *DuplicateError) Error() string {
	if e.Position == 0 {
		return fmt.Sprintf("queue: item %s is already being processed", e.ItemID)
	}
	return fmt.Sprintf("queue: item %s is already queued at position %d", e.ItemID, e.Position)
}

// IsDuplicate reports whether err is a *DuplicateError, returning it.
func IsDuplicate(err error) (*DuplicateError, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}
