// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/clock"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/pipeline"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/queue"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/telegram"
)

// Messenger is the slice of the Telegram client the router needs.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) (*telegram.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
}

// ChannelObserver receives channel posts for indexing.
type ChannelObserver interface {
	ObserveChannelPost(post *telegram.Message)
}

// Config holds configuration for creating a Bot.
type Config struct {
	// Messenger sends replies. Required.
	Messenger Messenger
	// State is the scheduler: admission, queue, roster, quota.
	// Required.
	State *queue.State
	// Classifier rejects unsupported app categories before admission.
	// Required.
	Classifier pipeline.Classifier
	// Packages answers /apps. Required.
	Packages pipeline.PackageManager
	// Observer receives channel posts; nil disables indexing.
	Observer ChannelObserver
	// Country is the default storefront code.
	Country string
	// Clock renders elapsed times. If nil, the real clock is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Bot is the command router.
type Bot struct {
	messenger  Messenger
	state      *queue.State
	classifier pipeline.Classifier
	packages   pipeline.PackageManager
	observer   ChannelObserver
	country    string
	clock      clock.Clock
	logger     *slog.Logger
}

// New creates a Bot.
func New(config Config) (*Bot, error) {
	if config.Messenger == nil {
		return nil, fmt.Errorf("bot: Messenger is required")
	}
	if config.State == nil {
		return nil, fmt.Errorf("bot: State is required")
	}
	if config.Classifier == nil {
		return nil, fmt.Errorf("bot: Classifier is required")
	}
	if config.Packages == nil {
		return nil, fmt.Errorf("bot: Packages is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		messenger:  config.Messenger,
		state:      config.State,
		classifier: config.Classifier,
		packages:   config.Packages,
		observer:   config.Observer,
		country:    config.Country,
		clock:      clk,
		logger:     logger,
	}, nil
}

// HandleUpdate is the telegram.UpdateHandler: channel posts feed the
// archive index, chat messages go through command routing.
func (b *Bot) HandleUpdate(ctx context.Context, update telegram.Update) {
	if update.ChannelPost != nil {
		if b.observer != nil {
			b.observer.ObserveChannelPost(update.ChannelPost)
		}
		return
	}
	message := update.Message
	if message == nil || message.From == nil || message.From.IsBot {
		return
	}
	if !strings.HasPrefix(message.Text, "/") {
		return
	}

	name, argument := splitCommand(message.Text)
	principal := b.state.Principal(message.From.ID, message.From.DisplayName())

	definition, known := builtinCommands[name]
	if !known {
		b.reply(ctx, message.Chat.ID, "Unknown command. Try /help.")
		return
	}
	if principal.Role > definition.minimumRole {
		b.logger.Info("command refused",
			"command", name, "user_id", principal.ID, "role", principal.Role.String())
		b.reply(ctx, message.Chat.ID, "You are not allowed to use that command.")
		return
	}
	if definition.needsArgument && argument == "" {
		b.reply(ctx, message.Chat.ID, "That command needs an argument. See /help.")
		return
	}

	b.logger.Info("processing command",
		"command", name,
		"user_id", principal.ID,
		"role", principal.Role.String(),
		"chat_id", message.Chat.ID,
	)

	text, err := definition.handler(ctx, b, commandRequest{
		message:   message,
		principal: principal,
		argument:  argument,
	})
	if err != nil {
		b.logger.Error("command failed", "command", name, "user_id", principal.ID, "error", err)
		b.reply(ctx, message.Chat.ID, "Something went wrong. Please try again later.")
		return
	}
	if text != "" {
		b.reply(ctx, message.Chat.ID, text)
	}
}

// reply sends a one-off response, logging delivery failures.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.messenger.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Warn("reply not delivered", "chat_id", chatID, "error", err)
	}
}

// splitCommand separates "/cmd@botname arg..." into the bare command
// and its argument string.
func splitCommand(text string) (name, argument string) {
	name, argument, _ = strings.Cut(text, " ")
	if at := strings.Index(name, "@"); at > 0 {
		name = name[:at]
	}
	return name, strings.TrimSpace(argument)
}

// commandRequest is what a handler gets to work with.
type commandRequest struct {
	message   *telegram.Message
	principal queue.Principal
	argument  string
}
