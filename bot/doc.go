// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package bot routes Telegram updates to command handlers.
//
// Commands live in a registry map keyed by the slash command; each
// definition carries the minimum role and whether an argument is
// required, so authorization and arity checks happen once in the
// router rather than per handler. Handlers run synchronously and
// return the reply text; long work is never done here; /decrypt and
// /install only classify, admit, and enqueue, and the executor picks
// the entry up on its own goroutine.
//
// Channel posts are not commands: they feed the archive sink's index
// and are consumed before routing.
package bot
