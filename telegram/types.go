// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import "encoding/json"

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *responseParams `json:"parameters,omitempty"`
}

// responseParams carries API backoff hints.
type responseParams struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// DisplayName returns the best human-readable name for logs and
// status output.
func (u *User) DisplayName() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}

// Chat is a private chat, group, or channel.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// Document is an attached file.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Message is a chat or channel message. Only the fields this bot
// consumes are modeled.
type Message struct {
	MessageID int64     `json:"message_id"`
	From      *User     `json:"from,omitempty"`
	Chat      Chat      `json:"chat"`
	Date      int64     `json:"date"`
	Text      string    `json:"text,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	Document  *Document `json:"document,omitempty"`
}

// Update is one getUpdates result entry.
type Update struct {
	UpdateID int64 `json:"update_id"`

	// Message is a new message in a private chat or group.
	Message *Message `json:"message,omitempty"`

	// ChannelPost is a new post in a channel the bot administers.
	// The archive sink watches these to index the backup channel.
	ChannelPost *Message `json:"channel_post,omitempty"`
}

// MessageRef is the result of copyMessage: the new message's ID in the
// destination chat.
type MessageRef struct {
	MessageID int64 `json:"message_id"`
}
