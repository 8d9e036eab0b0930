// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/pipeline"
)

// ChannelSink archives decrypted packages to a Telegram channel the
// bot administers. The channel is both backup storage and completion
// cache: DeliverToRequester copies an archived message into the
// requester's chat without re-uploading the file.
//
// The Bot API cannot read channel history, so the sink keeps an
// in-memory index of the channel instead. The index is fed from two
// sides: the sink's own successful sends, and channel_post updates
// observed by the watcher (which also cover uploads that Telegram
// published after reporting a gateway timeout to us). The index is
// empty at startup and warms as posts arrive; a cache miss only costs
// a redundant decrypt.
type ChannelSink struct {
	client    *Client
	channelID int64
	logger    *slog.Logger

	mu      sync.Mutex
	entries []sinkEntry
}

// sinkEntry is one indexed channel post.
type sinkEntry struct {
	messageID int64
	name      string
	itemID    string
	version   string
}

// ChannelSinkConfig holds configuration for creating a ChannelSink.
type ChannelSinkConfig struct {
	// Client performs the Bot API calls. Required.
	Client *Client
	// ChannelID is the backup channel's chat ID. Required; the bot
	// must be an administrator there.
	ChannelID int64
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// NewChannelSink creates a sink for the given backup channel.
func NewChannelSink(config ChannelSinkConfig) (*ChannelSink, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("telegram: Client is required")
	}
	if config.ChannelID == 0 {
		return nil, fmt.Errorf("telegram: ChannelID is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelSink{
		client:    config.Client,
		channelID: config.ChannelID,
		logger:    logger,
	}, nil
}

// ObserveChannelPost indexes a channel_post update if it belongs to
// the backup channel. The update watcher calls this for every channel
// post before command routing.
func (s *ChannelSink) ObserveChannelPost(post *Message) {
	if post == nil || post.Chat.ID != s.channelID || post.Document == nil {
		return
	}
	name, itemID, version := parseCaption(post.Caption)
	if itemID == "" {
		// A manual post to the channel, not one of ours.
		return
	}
	s.record(sinkEntry{
		messageID: post.MessageID,
		name:      name,
		itemID:    itemID,
		version:   version,
	})
}

// UploadWithProgress sends the file to the backup channel as a
// document with an identifying caption, indexes the resulting post,
// and returns its message ID as the sink item ID.
func (s *ChannelSink) UploadWithProgress(ctx context.Context, localPath string, meta pipeline.ArchiveMetadata, onProgress pipeline.ProgressFunc) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("telegram: open archive %s: %w", localPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("telegram: stat archive %s: %w", localPath, err)
	}

	s.client.SendChatAction(ctx, s.channelID, "upload_document")

	var progress func(sent, total int64)
	if onProgress != nil {
		progress = func(sent, total int64) { onProgress(sent, total) }
	}

	message, err := s.client.SendDocument(ctx, s.channelID, filepath.Base(localPath), formatCaption(meta), file, info.Size(), progress)
	if err != nil {
		return "", err
	}

	s.record(sinkEntry{
		messageID: message.MessageID,
		name:      meta.Name,
		itemID:    meta.ItemID,
		version:   meta.Version,
	})
	s.logger.Info("archived package",
		"name", meta.Name,
		"item_id", meta.ItemID,
		"version", meta.Version,
		"message_id", message.MessageID,
	)
	return strconv.FormatInt(message.MessageID, 10), nil
}

// FindExisting returns the message ID of an indexed channel post
// matching name, item, and version, or "" when there is none.
func (s *ChannelSink) FindExisting(ctx context.Context, name, itemID, version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Newest first so re-archived copies win over stale ones.
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if entry.itemID == itemID && entry.version == version && entry.name == name {
			return strconv.FormatInt(entry.messageID, 10), nil
		}
	}
	return "", nil
}

// MostRecent returns the highest indexed message ID, or "" when the
// index is empty. Channel message IDs are monotonic, so the highest
// ID is the newest post regardless of arrival order in the index.
func (s *ChannelSink) MostRecent(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest int64
	for _, entry := range s.entries {
		if entry.messageID > newest {
			newest = entry.messageID
		}
	}
	if newest == 0 {
		return "", nil
	}
	return strconv.FormatInt(newest, 10), nil
}

// DeliverToRequester copies an archived post into a chat. The file
// rides on Telegram's servers; nothing is re-uploaded.
func (s *ChannelSink) DeliverToRequester(ctx context.Context, sinkID string, chatID int64) error {
	messageID, err := strconv.ParseInt(sinkID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: malformed sink item ID %q: %w", sinkID, err)
	}
	if _, err := s.client.CopyMessage(ctx, chatID, s.channelID, messageID); err != nil {
		return err
	}
	return nil
}

func (s *ChannelSink) record(entry sinkEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.messageID == entry.messageID {
			return
		}
	}
	s.entries = append(s.entries, entry)
}

// formatCaption renders the archive caption. parseCaption must be able
// to round-trip it.
func formatCaption(meta pipeline.ArchiveMetadata) string {
	caption := fmt.Sprintf("%s v%s\nitem: %s", meta.Name, meta.Version, meta.ItemID)
	if meta.Digest != "" {
		caption += "\nblake3: " + meta.Digest
	}
	return caption
}

// parseCaption extracts name, item ID, and version from a caption
// produced by formatCaption. Returns zero values for captions in any
// other shape.
func parseCaption(caption string) (name, itemID, version string) {
	lines := strings.Split(caption, "\n")
	if len(lines) < 2 {
		return "", "", ""
	}
	head := lines[0]
	split := strings.LastIndex(head, " v")
	if split < 1 {
		return "", "", ""
	}
	name = head[:split]
	version = head[split+2:]
	for _, line := range lines[1:] {
		if rest, ok := strings.CutPrefix(line, "item: "); ok {
			itemID = rest
		}
	}
	if itemID == "" {
		return "", "", ""
	}
	return name, itemID, version
}
