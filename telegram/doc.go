// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package telegram speaks the Telegram Bot API directly over HTTP.
//
// [Client] holds the API base URL, bot token, and HTTP transport. All
// methods go through one request helper: JSON in, the standard
// {ok, result, error_code, description} envelope out. API failures are
// returned as [*APIError] with the error code, description, and any
// retry-after hint; callers use errors.As to branch on them.
//
// [Watcher] drives getUpdates long-polling: the server holds the
// connection until updates arrive, the watcher tracks the
// acknowledgement offset, and transient failures retry with a bounded
// consecutive-failure budget, dropping idle connections so the next
// attempt opens a fresh socket.
//
// [ChannelSink] adapts a backup channel into the pipeline's archive
// sink. Uploads are sendDocument posts to the channel; an in-memory
// index, fed by the sink's own successful sends and by observed
// channel_post updates, answers FindExisting and MostRecent; delivery
// to a requester is copyMessage, so the archived file is never
// re-uploaded.
//
// Request URLs embed the bot token per the Bot API contract; they are
// never logged.
package telegram
