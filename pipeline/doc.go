// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline runs one admitted request through its ordered step
// sequence: classify, look up metadata, serve a cached archive copy or
// purchase/download/decrypt, archive, deliver, clean up.
//
// The package owns the collaborator interfaces ([StoreClient],
// [Classifier], [DeviceController], [PackageManager], [Decryptor],
// [ArchiveSink]) and depends only on them; the telegram, device, and
// appstore packages provide the concrete adapters, and tests provide
// fakes.
//
// [Reconciler] wraps the archive upload, the one step whose collaborator
// can time out while actually succeeding. A timeout-classified failure
// is treated as status unknown, not failure: after a grace period the
// sink is probed for its most recent item, and a new arrival is accepted
// as the transfer's true result. The heuristic has no transfer-id
// correlation and is only sound because the executor guarantees serial,
// non-overlapping transfers to the sink. Do not introduce concurrent
// uploads without adding correlation.
//
// Every step failure is wrapped in a [*StepError] naming the step,
// logged with full context, and rendered to the requester as an
// internals-free message. Failures never halt the executor loop.
package pipeline
