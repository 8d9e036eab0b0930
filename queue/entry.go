// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"time"
)

// Role classifies a principal. The integer value doubles as the
// scheduling priority class: lower runs first.
type Role int

const (
	// RoleOwner is the unique, fixed bot owner.
	RoleOwner Role = iota
	// RoleAdmin is a member of the runtime-mutable admin set.
	RoleAdmin
	// RoleFree is everyone else. Free users are subject to the public
	// mode gate and the daily quota.
	RoleFree
)

// String returns the role name for logs and status output.
func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	case RoleFree:
		return "free"
	}
	return "unknown"
}

// Principal is the identity behind a request. Principals are created
// implicitly on first interaction; role membership lives for the
// process lifetime.
type Principal struct {
	// ID is the Telegram user ID.
	ID int64

	// Name is a display name for logs and status output.
	Name string

	// Role is resolved by State.Principal at lookup time.
	Role Role
}

// RequestKind selects which task the entry runs.
type RequestKind int

const (
	// KindDecrypt is the full pipeline: purchase if needed, install,
	// decrypt, archive, deliver.
	KindDecrypt RequestKind = iota
	// KindInstall installs an already-owned app on the device.
	KindInstall
	// KindUninstall removes an app from the device.
	KindUninstall
)

// String returns the kind name for logs and status output.
func (k RequestKind) String() string {
	switch k {
	case KindDecrypt:
		return "decrypt"
	case KindInstall:
		return "install"
	case KindUninstall:
		return "uninstall"
	}
	return "unknown"
}

// Request is the parsed payload of a queued command.
type Request struct {
	Kind RequestKind

	// ItemID is the App Store item the request targets; it is the
	// dedup key while the entry is queued or processing.
	ItemID string

	// StoreURL is the original App Store link for decrypt requests,
	// kept for the classifier.
	StoreURL string
}

// ReplyContext delivers asynchronous status text back to the chat a
// request came from. Implementations must be safe to call from the
// executor goroutine. Delivery failures are logged, never fatal.
type ReplyContext interface {
	// Notify sends or updates a status line for this request.
	Notify(ctx context.Context, text string)

	// ChatID identifies the destination chat for final delivery.
	ChatID() int64
}

// Entry is one admitted request. It is created on accepted admission,
// moved (not copied) into the processing slot on dequeue, and discarded
// after settlement once quota accounting is applied.
type Entry struct {
	// RequestID correlates log lines and status updates for this
	// entry.
	RequestID string

	Principal Principal
	Request   Request
	Reply     ReplyContext

	// EnqueuedAt orders entries within a priority class.
	EnqueuedAt time.Time

	// seq breaks enqueue-time ties by insertion order.
	seq uint64
}

// dedupEqual reports whether two entries cover the same work. Matching
// is on the target item alone: a second request for an item that is
// already queued or processing is duplicate work regardless of who
// asked, since the archive serves everyone the same file. The stricter
// (user, item) uniqueness follows from this.
func dedupEqual(a, b *Entry) bool {
	return a.Request.ItemID == b.Request.ItemID
}
