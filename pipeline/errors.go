// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrMetadataNotFound is returned by StoreClient.Lookup when the
// storefront has no item with the requested ID.
var ErrMetadataNotFound = errors.New("pipeline: app not found in store")

// UnsupportedCategoryError rejects an app the classifier ruled out.
type UnsupportedCategoryError struct {
	Reason string
}

func (e *UnsupportedCategoryError) Error() string {
	return fmt.Sprintf("pipeline: unsupported app category: %s", e.Reason)
}

// PurchaseFailedError reports a definite store refusal.
type PurchaseFailedError struct {
	ItemID string
}

func (e *PurchaseFailedError) Error() string {
	return fmt.Sprintf("pipeline: store refused purchase of item %s", e.ItemID)
}

// StepError wraps a failure with the pipeline step it occurred in.
// The step name is for logs; users see only a generic message.
type StepError struct {
	Step      string
	RequestID string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline: step %s (request %s): %v", e.Step, e.RequestID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// timeoutError is the classification contract for ambiguous transfer
// failures: collaborators whose errors carry Timeout() true signal
// "status unknown", not "definitely failed". net.Error satisfies this,
// as does telegram.APIError for gateway timeouts.
type timeoutError interface {
	Timeout() bool
}

// isTimeout reports whether err is classified as a timeout rather than
// a definite remote rejection.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te timeoutError
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
