// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"log/slog"
	"sync"
)

// chatReply is the per-request queue.ReplyContext. The first Notify
// sends a status message; subsequent ones edit it in place so a
// pipeline run occupies one line of chat instead of a dozen.
type chatReply struct {
	messenger Messenger
	chatID    int64
	logger    *slog.Logger

	mu       sync.Mutex
	statusID int64
}

// newReply creates a reply context bound to a chat.
func (b *Bot) newReply(chatID int64) *chatReply {
	return &chatReply{messenger: b.messenger, chatID: chatID, logger: b.logger}
}

func (r *chatReply) Notify(ctx context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statusID != 0 {
		if err := r.messenger.EditMessageText(ctx, r.chatID, r.statusID, text); err == nil {
			return
		}
		// The status message may have been deleted; start a new one.
	}
	message, err := r.messenger.SendMessage(ctx, r.chatID, text)
	if err != nil {
		r.logger.Warn("status update not delivered", "chat_id", r.chatID, "error", err)
		return
	}
	r.statusID = message.MessageID
}

func (r *chatReply) ChatID() int64 { return r.chatID }
