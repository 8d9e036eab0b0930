// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements admission control and strictly-sequential
// scheduling for the single shared device.
//
// [State] is the one owner of all scheduler state: the role roster
// (owner, admins, public mode), the daily quota ledger, the waiting
// entries, and the processing slot. Every mutation goes through a State
// method under one mutex; there are no package-level variables.
//
// Admission (role and quota policy) happens inside [State.Enqueue] so
// that the dedup check, the quota check, and the insertion are a single
// atomic decision. The queue itself is a small slice re-sorted on every
// dequeue: order is (priority class ascending, enqueue time ascending,
// insertion sequence), so the owner always runs before admins, admins
// before free users, and ties preserve FIFO.
//
// [Executor] drives the loop: it is the only caller of claim and
// finish, which makes the single-slot guarantee structural rather than
// conventional. Dequeue and slot installation happen under one lock
// acquisition, so a concurrent status read never observes an entry in
// both places or in neither. A wake channel gives immediate dispatch
// after an enqueue; a coarse ticker backstops it.
//
// Quota accounting is applied at settlement, not at admission: a free
// user's daily count rises only when their job completes successfully.
// Day rollover is lazy: a bucket stamped with a stale date is treated
// as reset the next time it is read.
package queue
