// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/appstore"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/pipeline"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/queue"
)

// commandDefinition describes a single command: the minimum role
// required to run it, whether it takes an argument, and the handler.
type commandDefinition struct {
	minimumRole   queue.Role
	needsArgument bool
	handler       func(ctx context.Context, b *Bot, request commandRequest) (string, error)
}

// builtinCommands maps slash commands to their definitions. Commands
// not in this map are rejected as unknown.
var builtinCommands = map[string]commandDefinition{
	"/start":     {queue.RoleFree, false, handleStart},
	"/help":      {queue.RoleFree, false, handleHelp},
	"/decrypt":   {queue.RoleFree, true, handleDecrypt},
	"/install":   {queue.RoleAdmin, true, handleInstall},
	"/uninstall": {queue.RoleAdmin, true, handleUninstall},
	"/apps":      {queue.RoleAdmin, false, handleApps},
	"/status":    {queue.RoleFree, false, handleStatus},
	"/cancel":    {queue.RoleFree, false, handleCancel},
	"/quota":     {queue.RoleFree, false, handleQuota},
	"/mode":      {queue.RoleOwner, true, handleMode},
	"/addadmin":  {queue.RoleOwner, true, handleAddAdmin},
}

func handleStart(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	return "Hi! Send /decrypt with an App Store link or ID and I'll fetch a decrypted copy for you. See /help for everything I can do.", nil
}

func handleHelp(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	sb.WriteString("/decrypt <link or ID> - decrypt an app and send the IPA\n")
	sb.WriteString("/status - queue and processing state\n")
	sb.WriteString("/cancel - remove your waiting requests\n")
	sb.WriteString("/quota - your remaining requests for today\n")
	if request.principal.Role <= queue.RoleAdmin {
		sb.WriteString("/install <link or ID> - install an app on the device\n")
		sb.WriteString("/uninstall <link or ID> - remove an app from the device\n")
		sb.WriteString("/apps - list installed apps\n")
	}
	if request.principal.Role == queue.RoleOwner {
		sb.WriteString("/mode public|private - open or close free access\n")
		sb.WriteString("/addadmin <user ID> - grant admin\n")
	}
	return sb.String(), nil
}

func handleDecrypt(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	target, err := appstore.ParseTarget(request.argument)
	if err != nil {
		return "I can't read that. Send an App Store link or a numeric app ID.", nil
	}

	verdict, err := b.classifier.Classify(ctx, request.argument, target.Country)
	if err != nil {
		if errors.Is(err, pipeline.ErrMetadataNotFound) {
			return "Couldn't find that app in the store. Check the link or ID.", nil
		}
		return "", fmt.Errorf("classifying %s: %w", target.ItemID, err)
	}
	if verdict.PremiumSubscription {
		return "That app's content sits behind a subscription, so a decrypted copy would be useless. Request skipped.", nil
	}
	if verdict.Paid && request.principal.Role == queue.RoleFree {
		return "Paid apps can only be requested by admins.", nil
	}

	return b.submit(&queue.Entry{
		RequestID: uuid.NewString(),
		Principal: request.principal,
		Request: queue.Request{
			Kind:     queue.KindDecrypt,
			ItemID:   target.ItemID,
			StoreURL: request.argument,
		},
		Reply: b.newReply(request.message.Chat.ID),
	}), nil
}

func handleInstall(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	target, err := appstore.ParseTarget(request.argument)
	if err != nil {
		return "I can't read that. Send an App Store link or a numeric app ID.", nil
	}
	return b.submit(&queue.Entry{
		RequestID: uuid.NewString(),
		Principal: request.principal,
		Request:   queue.Request{Kind: queue.KindInstall, ItemID: target.ItemID},
		Reply:     b.newReply(request.message.Chat.ID),
	}), nil
}

func handleUninstall(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	target, err := appstore.ParseTarget(request.argument)
	if err != nil {
		return "I can't read that. Send an App Store link or a numeric app ID.", nil
	}
	return b.submit(&queue.Entry{
		RequestID: uuid.NewString(),
		Principal: request.principal,
		Request:   queue.Request{Kind: queue.KindUninstall, ItemID: target.ItemID},
		Reply:     b.newReply(request.message.Chat.ID),
	}), nil
}

// submit runs admission and renders the decision.
func (b *Bot) submit(entry *queue.Entry) string {
	position, err := b.state.Enqueue(entry)
	if err == nil {
		if position == 1 {
			return "Queued. You're next."
		}
		return fmt.Sprintf("Queued at position %d.", position)
	}

	if duplicate, ok := queue.IsDuplicate(err); ok {
		if duplicate.Position == 0 {
			return "That app is being processed right now. Hang on."
		}
		return fmt.Sprintf("That app is already queued at position %d.", duplicate.Position)
	}
	switch {
	case errors.Is(err, queue.ErrAdmissionDenied):
		return "The bot is in private mode right now. Only admins can submit requests."
	case errors.Is(err, queue.ErrQuotaExceeded):
		return "You've used up your free requests for today. Try again tomorrow."
	default:
		b.logger.Error("admission failed", "request_id", entry.RequestID, "error", err)
		return "Something went wrong. Please try again later."
	}
}

func handleApps(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	bundles, err := b.packages.Installed(ctx)
	if err != nil {
		return "", fmt.Errorf("listing installed apps: %w", err)
	}
	if len(bundles) == 0 {
		return "No apps installed.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Installed apps (%d):\n", len(bundles))
	for _, bundle := range bundles {
		sb.WriteString(bundle)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func handleStatus(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	snapshot := b.state.Snapshot()

	var sb strings.Builder
	if snapshot.Public {
		sb.WriteString("Mode: public\n")
	} else {
		sb.WriteString("Mode: private\n")
	}

	if snapshot.Processing != nil {
		elapsed := b.clock.Now().Sub(snapshot.Processing.StartedAt).Round(time.Second)
		fmt.Fprintf(&sb, "Processing: %s %s for %s (%s elapsed)\n",
			snapshot.Processing.Kind.String(),
			snapshot.Processing.ItemID,
			snapshot.Processing.UserName,
			elapsed,
		)
	} else {
		sb.WriteString("Processing: nothing\n")
	}

	if len(snapshot.Waiting) == 0 {
		sb.WriteString("Queue: empty")
		return sb.String(), nil
	}
	fmt.Fprintf(&sb, "Queue (%d):\n", len(snapshot.Waiting))
	for _, item := range snapshot.Waiting {
		fmt.Fprintf(&sb, "%d. %s %s (%s)\n", item.Position, item.Kind.String(), item.ItemID, item.UserName)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func handleCancel(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	removed := b.state.RemoveAll(request.principal.ID)
	if removed == 0 {
		return "You have no waiting requests. A request already being processed cannot be cancelled.", nil
	}
	return fmt.Sprintf("Removed %d waiting request(s).", removed), nil
}

func handleQuota(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	_, remaining := b.state.CheckQuota(request.principal)
	if remaining < 0 {
		return "You have unlimited requests.", nil
	}
	return fmt.Sprintf("You have %d free request(s) left today.", remaining), nil
}

func handleMode(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	switch strings.ToLower(request.argument) {
	case "public":
		b.state.SetPublic(true)
		return "Mode is now public. Anyone can submit requests.", nil
	case "private":
		b.state.SetPublic(false)
		return "Mode is now private. Only admins can submit requests.", nil
	default:
		return "Usage: /mode public or /mode private.", nil
	}
}

func handleAddAdmin(ctx context.Context, b *Bot, request commandRequest) (string, error) {
	userID, err := strconv.ParseInt(request.argument, 10, 64)
	if err != nil {
		return "Usage: /addadmin <numeric user ID>.", nil
	}
	if !b.state.AddAdmin(userID) {
		return "That user is already an admin.", nil
	}
	return fmt.Sprintf("User %d is now an admin.", userID), nil
}
